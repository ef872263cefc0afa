package api

import "net/http"

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the API.
func buildOpenAPIDoc() map[string]any {
	bearer := []any{map[string]any{"BearerAuth": []string{}}}
	jsonBody := func(ref string) map[string]any {
		return map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{"schema": map[string]any{"$ref": ref}},
			},
		}
	}
	batchResponses := map[string]any{
		"200": map[string]any{"description": "One result per item, in request order"},
		"400": map[string]any{"description": "Malformed body"},
		"401": map[string]any{"description": "Missing or unknown token"},
		"403": map[string]any{"description": "Insufficient scope"},
		"413": map[string]any{"description": "Body or batch too large"},
	}
	post := func(id, summary, schema string) map[string]any {
		return map[string]any{"post": map[string]any{
			"operationId": id,
			"summary":     summary,
			"requestBody": jsonBody("#/components/schemas/" + schema),
			"responses":   batchResponses,
			"security":    bearer,
		}}
	}
	get := func(id, summary string) map[string]any {
		return map[string]any{"get": map[string]any{
			"operationId": id,
			"summary":     summary,
			"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
			"security":    bearer,
		}}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "leangate",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/api/check":              post("check", "Check Lean snippets against pooled REPL workers", "CheckRequest"),
			"/api/ast":                post("ast", "Extract syntax trees for modules", "ASTRequest"),
			"/api/ast_code":           post("astCode", "Extract the syntax tree of a code snippet", "ASTCodeRequest"),
			"/api/pool":               get("pool", "Pool occupancy snapshot"),
			"/api/events":             get("events", "Server-sent lifecycle events"),
			"/api/results":            get("recentResults", "Most recent persisted results (limit query, default 50)"),
			"/api/results/{customID}": get("resultsByCustomID", "Persisted results for a custom_id"),
			"/api/result/{id}":        get("result", "One persisted result by id"),
			"/healthz":                map[string]any{"get": map[string]any{"operationId": "healthz", "responses": map[string]any{"200": map[string]any{"description": "Healthy"}, "503": map[string]any{"description": "Pool closed"}}}},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"CheckRequest": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"requests": map[string]any{"type": "array", "items": map[string]any{"$ref": "#/components/schemas/Request"}},
						"snippets": map[string]any{"type": "array", "items": map[string]any{
							"type":       "object",
							"properties": map[string]any{"id": str(), "code": str()},
						}},
						"timeout":  num(),
						"debug":    map[string]any{"type": "boolean"},
						"infotree": str(),
					},
				},
				"Request": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"custom_id": str(), "code": str(), "header": str(), "module": str(),
						"kind":    map[string]any{"type": "string", "enum": []string{"check", "tree"}},
						"timeout": num(),
					},
				},
				"ASTRequest": map[string]any{
					"type":       "object",
					"required":   []string{"modules"},
					"properties": map[string]any{"modules": map[string]any{"type": "array", "items": str()}, "timeout": num()},
				},
				"ASTCodeRequest": map[string]any{
					"type":       "object",
					"required":   []string{"code"},
					"properties": map[string]any{"code": str(), "module": str(), "timeout": num()},
				},
			},
		},
	}
}

func str() map[string]any { return map[string]any{"type": "string"} }
func num() map[string]any { return map[string]any{"type": "number"} }

// handleOpenAPI handles GET /openapi.json
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
