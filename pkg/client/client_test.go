package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/leangate/pkg/retry"
)

var noBackoff = &retry.Policy{MaxAttempts: 3}

// echoServer answers /api/check with one ok result per request, echoing
// the custom_id.
func echoServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body checkBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := batchResponse{}
		for _, req := range body.Requests {
			out.Results = append(out.Results, Response{
				CustomID: req.CustomID,
				Result:   json.RawMessage(`{"env":0}`),
				Attempts: 1,
			})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheck(t *testing.T) {
	var calls atomic.Int32
	srv := echoServer(t, &calls)
	c := New(Config{BaseURL: srv.URL + "/", APIKey: "secret", Retry: noBackoff})

	res, err := c.Check(context.Background(), []Request{{CustomID: "a", Code: "#eval 1"}, {CustomID: "b", Code: "#eval 2"}})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a", res[0].CustomID)
	assert.Equal(t, "b", res[1].CustomID)
	assert.True(t, res[0].OK())
	assert.EqualValues(t, 1, calls.Load())
}

func TestCheck_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
		case 2:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"results":[{"custom_id":"x","result":{},"time":0.1,"attempts":1}]}`))
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: noBackoff})
	res, err := c.Check(context.Background(), []Request{{CustomID: "x", Code: "example : True := trivial"}})
	require.NoError(t, err)
	assert.Equal(t, "x", res[0].CustomID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCheck_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"no requests"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: noBackoff})
	_, err := c.Check(context.Background(), nil)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Body, "no requests")
	assert.EqualValues(t, 1, calls.Load())
}

func TestCheck_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: &retry.Policy{MaxAttempts: 2}})
	_, err := c.Check(context.Background(), []Request{{Code: "x"}})
	require.Error(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCheck_ResultCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: noBackoff})
	_, err := c.Check(context.Background(), []Request{{Code: "x"}})
	assert.ErrorContains(t, err, "0 results for 1 requests")
}

func TestCheckBatched_PreservesOrder(t *testing.T) {
	var calls atomic.Int32
	srv := echoServer(t, &calls)
	c := New(Config{BaseURL: srv.URL, APIKey: "secret", Retry: noBackoff, BatchSize: 2, Concurrency: 2, RequestsPerSecond: 100})

	reqs := make([]Request, 7)
	for i := range reqs {
		reqs[i] = Request{CustomID: fmt.Sprintf("r%d", i), Code: "#eval 1"}
	}
	res, err := c.CheckBatched(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, res, 7)
	for i, r := range res {
		assert.Equal(t, fmt.Sprintf("r%d", i), r.CustomID)
	}
	assert.EqualValues(t, 4, calls.Load())
}

func TestCheckBatched_BoundsConcurrency(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()

		var body checkBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		out := batchResponse{Results: make([]Response, len(body.Requests))}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: noBackoff, BatchSize: 1, Concurrency: 2})
	_, err := c.CheckBatched(context.Background(), make([]Request, 6))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, 2)
}

func TestCheckBatched_FailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: noBackoff, BatchSize: 1})
	_, err := c.CheckBatched(context.Background(), make([]Request, 3))
	assert.ErrorContains(t, err, "status 401")
}

func TestExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ast":
			var body astBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, []string{"Mathlib.Logic.Basic"}, body.Modules)
			_, _ = w.Write([]byte(`{"results":[{"custom_id":"Mathlib.Logic.Basic","result":{"commands":[]}}]}`))
		case "/api/ast_code":
			var body astCodeBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "theorem t : True := trivial", body.Code)
			_, _ = w.Write([]byte(`{"custom_id":"User.Code","error":{"code":"execution_timeout","message":"slow"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: noBackoff})
	mods, err := c.ExtractModules(context.Background(), []string{"Mathlib.Logic.Basic"}, 0)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.JSONEq(t, `{"commands":[]}`, string(mods[0].Result))

	one, err := c.ExtractCode(context.Background(), "theorem t : True := trivial", "", 5)
	require.NoError(t, err)
	assert.False(t, one.OK())
	assert.Equal(t, CodeExecutionTimeout, one.Error.Code)
}

func TestHealth_Draining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"closed","capacity":2}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: noBackoff})
	h, err := c.Health(context.Background())
	require.Error(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "closed", h.Status)
	assert.Equal(t, 2, h.Capacity)
}

func TestResponse_HasErrors(t *testing.T) {
	r := Response{Diagnostics: []Message{{Severity: "warning"}, {Severity: "error"}}}
	assert.True(t, r.HasErrors())
	assert.False(t, Response{}.HasErrors())
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, retryAfter("3"))
	assert.Equal(t, time.Second, retryAfter(""))
	assert.Equal(t, time.Second, retryAfter("soon"))
	assert.Equal(t, time.Duration(0), retryAfter(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)))
}
