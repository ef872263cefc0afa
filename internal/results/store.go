// Package results persists dispatched requests and their outcomes.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/leangate/internal/dispatch"
	"github.com/mattjoyce/leangate/internal/worker"
)

// DefaultMaxResultBytes caps the stored result payload. Larger payloads are
// dropped and the row is marked truncated.
const DefaultMaxResultBytes = 4 << 20

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("result not found")

// Entry is one stored request/response pair.
type Entry struct {
	ID          string          `json:"id"`
	CustomID    string          `json:"custom_id"`
	Kind        string          `json:"kind"`
	HeaderKey   string          `json:"header_key,omitempty"`
	Code        string          `json:"code"`
	Module      string          `json:"module,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Diagnostics json.RawMessage `json:"diagnostics,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
	Attempts    int             `json:"attempts"`
	Elapsed     float64         `json:"time"`
	CreatedAt   time.Time       `json:"created_at"`
}

// timeLayout is fixed width so created_at sorts and compares as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store records results in SQLite. It implements dispatch.Recorder.
type Store struct {
	db             *sql.DB
	maxResultBytes int
}

// NewStore wraps a database opened with storage.OpenSQLite.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, maxResultBytes: DefaultMaxResultBytes}
}

var _ dispatch.Recorder = (*Store)(nil)

// Record stores one finished request.
func (s *Store) Record(ctx context.Context, req dispatch.Request, resp dispatch.Response) error {
	kind, err := worker.ParseKind(req.Kind)
	if err != nil {
		// Invalid requests are recorded under the kind they asked for.
		kind = worker.Kind(req.Kind)
	}

	var errCode, errMsg sql.NullString
	if resp.Error != nil {
		errCode = sql.NullString{String: resp.Error.Code, Valid: true}
		errMsg = sql.NullString{String: resp.Error.Message, Valid: true}
	}

	var result, diags sql.NullString
	truncated := false
	if len(resp.Result) > 0 {
		if len(resp.Result) > s.maxResultBytes {
			truncated = true
		} else {
			result = sql.NullString{String: string(resp.Result), Valid: true}
		}
	}
	if len(resp.Diagnostics) > 0 {
		b, err := json.Marshal(resp.Diagnostics)
		if err != nil {
			return fmt.Errorf("marshal diagnostics: %w", err)
		}
		diags = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO results(id, custom_id, kind, header_key, code, module, error_code, error,
  result, diagnostics, truncated, attempts, elapsed, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), resp.CustomID, string(kind), headerKey(kind, req), req.Code, req.Module,
		errCode, errMsg, result, diags, truncated, resp.Attempts, resp.Time,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Get returns one entry by id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	rows, err := s.query(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// ByCustomID returns every entry recorded for customID, newest first.
func (s *Store) ByCustomID(ctx context.Context, customID string) ([]Entry, error) {
	return s.query(ctx, "WHERE custom_id = ? ORDER BY created_at DESC", customID)
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, "ORDER BY created_at DESC LIMIT ?", limit)
}

// Prune deletes entries older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE created_at < ?;",
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, custom_id, kind, header_key, code, module, error_code, error,
  result, diagnostics, truncated, attempts, elapsed, created_at
FROM results `+where+";", args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                               Entry
			header, module, errCode, errMsg sql.NullString
			result, diags                   sql.NullString
			created                         string
		)
		if err := rows.Scan(&e.ID, &e.CustomID, &e.Kind, &header, &e.Code, &module, &errCode, &errMsg,
			&result, &diags, &e.Truncated, &e.Attempts, &e.Elapsed, &created); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		e.HeaderKey, e.Module = header.String, module.String
		e.ErrorCode, e.Error = errCode.String, errMsg.String
		if result.Valid {
			e.Result = json.RawMessage(result.String)
		}
		if diags.Valid {
			e.Diagnostics = json.RawMessage(diags.String)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// headerKey reproduces the header the dispatcher used, when it can.
func headerKey(kind worker.Kind, req dispatch.Request) sql.NullString {
	if kind != worker.KindCheck && kind != worker.KindTree {
		return sql.NullString{}
	}
	var src string
	switch {
	case req.Header != nil:
		src = *req.Header
	case req.Code != "":
		src, _ = dispatch.SplitHeader(req.Code)
	}
	return sql.NullString{String: worker.NewHeader(kind, src).Key(), Valid: true}
}
