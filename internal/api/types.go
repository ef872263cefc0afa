package api

import "github.com/mattjoyce/leangate/internal/dispatch"

// Snippet is the kimina-style request item.
type Snippet struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// CheckRequest is the JSON body for POST /api/check. Exactly one of
// Requests and Snippets is expected; top-level options fill in items that
// leave them unset.
type CheckRequest struct {
	Requests []dispatch.Request `json:"requests,omitempty"`
	Snippets []Snippet          `json:"snippets,omitempty"`
	Timeout  float64            `json:"timeout,omitempty"`
	Debug    bool               `json:"debug,omitempty"`
	Infotree string             `json:"infotree,omitempty"`
}

// BatchResponse carries one result per request, in order.
type BatchResponse struct {
	Results []dispatch.Response `json:"results"`
}

// ASTRequest is the JSON body for POST /api/ast.
type ASTRequest struct {
	Modules []string `json:"modules"`
	Timeout float64  `json:"timeout,omitempty"`
	Debug   bool     `json:"debug,omitempty"`
}

// ASTCodeRequest is the JSON body for POST /api/ast_code.
type ASTCodeRequest struct {
	Code    string  `json:"code"`
	Module  string  `json:"module,omitempty"`
	Timeout float64 `json:"timeout,omitempty"`
	Debug   bool    `json:"debug,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Capacity      int    `json:"capacity"`
	Workers       int    `json:"workers"`
	Busy          int    `json:"busy"`
	Waiting       int    `json:"waiting"`
}
