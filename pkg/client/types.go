package client

import "encoding/json"

// Error codes a Response can carry.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInitialization          = "initialization_error"
	CodePoolExhausted           = "pool_exhausted"
	CodeExecutionTimeout        = "execution_timeout"
	CodeWorkerCrashed           = "worker_crashed"
	CodeWorkerCrashedRepeatedly = "worker_crashed_repeatedly"
	CodeMemoryLimitExceeded     = "memory_limit_exceeded"
	CodeRequestFailed           = "request_failed"
	CodePoolClosed              = "pool_closed"
	CodeInternal                = "internal"
)

// Flags are per-request options.
type Flags struct {
	AllTactics bool   `json:"all_tactics,omitempty"`
	Infotree   string `json:"infotree,omitempty"`
	Debug      bool   `json:"debug,omitempty"`
}

// Request is one snippet to check, or one module to extract.
type Request struct {
	CustomID string  `json:"custom_id"`
	Code     string  `json:"code,omitempty"`
	Module   string  `json:"module,omitempty"`
	Header   *string `json:"header,omitempty"`
	Kind     string  `json:"kind,omitempty"`
	Timeout  float64 `json:"timeout,omitempty"`
	Flags    Flags   `json:"flags,omitempty"`
}

// ErrorInfo explains a failed item.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pos is a line/column position in the checked source.
type Pos struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Message is a Lean diagnostic.
type Message struct {
	Severity string `json:"severity"`
	Pos      Pos    `json:"pos"`
	EndPos   *Pos   `json:"endPos,omitempty"`
	Data     string `json:"data"`
}

// Debug carries worker details when Flags.Debug is set.
type Debug struct {
	WorkerID  string `json:"worker_id,omitempty"`
	HeaderKey string `json:"header_key"`
	Uses      int    `json:"uses,omitempty"`
}

// Response is the outcome of one Request.
type Response struct {
	CustomID    string          `json:"custom_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	Diagnostics []Message       `json:"diagnostics,omitempty"`
	Time        float64         `json:"time"`
	Attempts    int             `json:"attempts"`
	Debug       *Debug          `json:"debug,omitempty"`
}

// OK reports whether the item produced a result.
func (r Response) OK() bool { return r.Error == nil }

// HasErrors reports whether Lean produced any error-severity diagnostic.
func (r Response) HasErrors() bool {
	for _, m := range r.Diagnostics {
		if m.Severity == "error" {
			return true
		}
	}
	return false
}

// Health is the body of GET /healthz.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Capacity      int    `json:"capacity"`
	Workers       int    `json:"workers"`
	Busy          int    `json:"busy"`
	Waiting       int    `json:"waiting"`
}

type checkBody struct {
	Requests []Request `json:"requests"`
}

type astBody struct {
	Modules []string `json:"modules"`
	Timeout float64  `json:"timeout,omitempty"`
}

type astCodeBody struct {
	Code    string  `json:"code"`
	Module  string  `json:"module,omitempty"`
	Timeout float64 `json:"timeout,omitempty"`
}

type batchResponse struct {
	Results []Response `json:"results"`
}
