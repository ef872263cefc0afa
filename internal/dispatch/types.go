package dispatch

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/leangate/internal/protocol"
)

// Error codes reported in Response.Error.
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

// Flags are per-request options passed through to the worker.
type Flags struct {
	AllTactics bool   `json:"all_tactics,omitempty"`
	Infotree   string `json:"infotree,omitempty"`
	// Debug adds worker details to the response.
	Debug bool `json:"debug,omitempty"`
}

// Request is one unit of work.
type Request struct {
	CustomID string `json:"custom_id"`
	Code     string `json:"code,omitempty"`
	// Module names an existing module for tree extraction, or the virtual
	// module name for code-mode extraction.
	Module string `json:"module,omitempty"`
	// Header overrides the preamble split from Code. An explicit empty
	// string means no header.
	Header *string `json:"header,omitempty"`
	// Kind is "check" (default) or "tree".
	Kind string `json:"kind,omitempty"`
	// Timeout in seconds; zero uses the configured default.
	Timeout float64 `json:"timeout,omitempty"`
	Flags   Flags   `json:"flags,omitempty"`
}

// ErrorInfo describes why a request produced no result.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Debug is included when Flags.Debug is set.
type Debug struct {
	WorkerID  string `json:"worker_id,omitempty"`
	HeaderKey string `json:"header_key"`
	Uses      int    `json:"uses,omitempty"`
}

// Response is the outcome of one Request. Exactly one of Result and Error
// is set.
type Response struct {
	CustomID    string             `json:"custom_id"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Error       *ErrorInfo         `json:"error,omitempty"`
	Diagnostics []protocol.Message `json:"diagnostics,omitempty"`
	// Time is the wall-clock time spent on the request, in seconds.
	Time     float64 `json:"time"`
	Attempts int     `json:"attempts"`
	Debug    *Debug  `json:"debug,omitempty"`
}

// OK reports whether the request produced a result.
func (r Response) OK() bool { return r.Error == nil }

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
