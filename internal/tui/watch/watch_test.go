package watch

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/leangate/internal/events"
	"github.com/mattjoyce/leangate/internal/pool"
)

func sampleSnapshot() pool.Snapshot {
	return pool.Snapshot{
		Capacity: 4, Total: 3, Busy: 2, Idle: 1, Waiting: 1,
		Headers: []pool.HeaderStatus{
			{Key: "k1", Kind: "env", Summary: "import Mathlib", Workers: 2, Busy: 1, Idle: 1, Crashes: 3, RepeatedCrashes: 1},
			{Key: "k2", Kind: "env", Workers: 1, Busy: 1},
		},
		Stats: pool.Stats{Spawned: 5, Crashed: 3},
	}
}

func TestHeaderRows(t *testing.T) {
	rows := headerRows(sampleSnapshot())
	require.Len(t, rows, 2)
	assert.Equal(t, "import Mathlib", rows[0][1])
	assert.Equal(t, "3/1!", rows[0][7])
	assert.Equal(t, "(no header)", rows[1][1])
	assert.Equal(t, "0", rows[1][7])
}

func TestExtractEventDesc(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"worker_id": "0123456789abcdef",
		"header":    "import Mathlib",
		"reason":    "max_uses",
	})
	desc := extractEventDesc(events.Event{Type: "worker.retired", Data: data})
	assert.Equal(t, "[01234567] import Mathlib max_uses", desc)

	raw := extractEventDesc(events.Event{Type: "x", Data: json.RawMessage(`{"n":1}`)})
	assert.Equal(t, `{"n":1}`, raw)
}

func TestActivityWindow(t *testing.T) {
	var a Activity
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	a.Record(t0)
	a.Record(t0.Add(100 * time.Millisecond))
	a.Record(t0.Add(3 * time.Second))
	assert.Equal(t, 3, a.Total())
	assert.Equal(t, t0.Add(3*time.Second), a.LastEvent())

	// The first second falls out of the window after activityBuckets seconds.
	a.Tick(t0.Add(activityBuckets * time.Second))
	assert.Equal(t, 1, a.Total())

	a.Tick(t0.Add(time.Minute))
	assert.Zero(t, a.Total())
}

func TestActivitySparkline(t *testing.T) {
	var a Activity
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for range 4 {
		a.Record(t0)
	}
	a.Record(t0.Add(time.Second))

	line := a.Sparkline(NewDefaultTheme())
	assert.Contains(t, line, "█")
	assert.Contains(t, line, "▂")
	assert.Contains(t, line, "·")
}

func TestHeartbeat(t *testing.T) {
	theme := NewDefaultTheme()
	now := time.Now()
	assert.Contains(t, heartbeat(time.Time{}, now, theme), "◌")
	assert.Contains(t, heartbeat(now.Add(-time.Second), now, theme), "◉")
	assert.Contains(t, heartbeat(now.Add(-time.Minute), now, theme), "stale")
}

func TestUpdate_SnapshotAndEvents(t *testing.T) {
	m := New("http://unused", "")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	next, cmd := next.(Model).Update(snapshotMsg(sampleSnapshot()))
	assert.NotNil(t, cmd)

	mm := next.(Model)
	assert.True(t, mm.health.Connected)
	assert.Equal(t, 3, mm.snapshot.Total)
	assert.Len(t, mm.headers.Rows(), 2)

	for i := range 60 {
		data, _ := json.Marshal(map[string]any{"custom_id": "req", "code": "ok", "n": i})
		next, _ = mm.Update(eventMsg(events.Event{ID: int64(i), Type: "request.done", At: time.Now(), Data: data}))
		mm = next.(Model)
	}
	require.Len(t, mm.eventLog, 50)
	assert.Equal(t, int64(59), mm.eventLog[0].ID)

	view := mm.View()
	assert.Contains(t, view, "LEANGATE POOL")
	assert.Contains(t, view, "HEADERS (2)")
	assert.Contains(t, view, "request.done")
	assert.Contains(t, view, "3/4")
}

func TestUpdate_Disconnect(t *testing.T) {
	m := New("http://unused", "")
	m.health.Connected = true
	next, cmd := m.Update(sseDisconnectedMsg{})
	assert.NotNil(t, cmd)
	mm := next.(Model)
	assert.False(t, mm.health.Connected)
	assert.Contains(t, mm.lastError, "disconnected")
}

func TestReadSSE(t *testing.T) {
	stream := "id: 7\nevent: worker.spawned\ndata: {\"worker_id\":\"w1\"}\n\n: keep-alive\n\nid: 8\nevent: request.done\ndata: {\"code\":\"ok\"}\n\n"
	var got []events.Event
	for ev := range readSSE(bufio.NewScanner(strings.NewReader(stream))) {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, "worker.spawned", got[0].Type)
	assert.JSONEq(t, `{"worker_id":"w1"}`, string(got[0].Data))
	assert.Equal(t, "request.done", got[1].Type)
}

func TestFetchSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pool" || r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(sampleSnapshot())
	}))
	defer srv.Close()

	msg := fetchSnapshot(srv.URL, "k")
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, 4, snap.Capacity)

	msg = fetchSnapshot(srv.URL, "wrong")
	_, isErr := msg.(errMsg)
	assert.True(t, isErr)
}
