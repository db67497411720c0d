// Package openapi builds the API description served at /openapi.json and
// /openapi.yaml, plus the Swagger UI page at /docs.
package openapi

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

type Document map[string]any

func ref(name string) map[string]any {
	return map[string]any{"$ref": "#/components/schemas/" + name}
}

func jsonBody(schema map[string]any) map[string]any {
	return map[string]any{"application/json": map[string]any{"schema": schema}}
}

func response(description, schema string) map[string]any {
	return map[string]any{"description": description, "content": jsonBody(ref(schema))}
}

func errorResponse(description string) map[string]any {
	return response(description, "ErrorResponse")
}

func str(extra ...string) map[string]any {
	schema := map[string]any{"type": "string"}
	if len(extra) > 0 {
		schema["format"] = extra[0]
	}
	return schema
}

// Build returns the document with servers[0] pointing at basePath, e.g. "/dev".
// An empty basePath means the API is served from the root.
func Build(basePath string) Document {
	basePath = strings.TrimRight(strings.TrimSpace(basePath), "/")
	if basePath == "" {
		basePath = "/"
	}

	bearer := []map[string]any{{"bearerAuth": []string{}}}

	return Document{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       "Fusion API",
			"version":     "1.0.0",
			"description": "Fuses SWAPI records with Wikipedia summaries behind a two-tier cache. JWT-protected storage and history endpoints, rate-limited public fusion endpoint.",
		},
		"servers": []map[string]any{
			{"url": basePath},
			{"url": "http://localhost:3000"},
		},
		"paths": map[string]any{
			"/auth/login": map[string]any{
				"post": map[string]any{
					"summary":     "Exchange credentials for a JWT",
					"operationId": "login",
					"requestBody": map[string]any{"required": true, "content": jsonBody(ref("LoginRequest"))},
					"responses": map[string]any{
						"200": response("Authenticated", "LoginResponse"),
						"400": errorResponse("Invalid body"),
						"401": errorResponse("Bad credentials"),
					},
				},
			},
			"/fusionados": map[string]any{
				"get": map[string]any{
					"summary":     "Fused SWAPI and Wikipedia lookup",
					"operationId": "fusionados",
					"parameters": []map[string]any{
						{"name": "resource", "in": "query", "required": false, "schema": ref("FusionResource")},
						{"name": "q", "in": "query", "required": true, "schema": str()},
					},
					"responses": map[string]any{
						"200": fusionResponse("Catalog record found"),
						"404": fusionResponse("No catalog record for the query"),
						"400": errorResponse("Missing q or unknown resource"),
						"429": errorResponse("Too many requests"),
						"500": errorResponse("Upstream failure"),
					},
				},
			},
			"/almacenar": map[string]any{
				"post": map[string]any{
					"summary":     "Store a custom item",
					"operationId": "almacenar",
					"security":    bearer,
					"requestBody": map[string]any{"required": true, "content": jsonBody(ref("StoreItemRequest"))},
					"responses": map[string]any{
						"201": response("Stored", "StoreItemResponse"),
						"400": response("Invalid body", "ErrorWithIssues"),
						"401": errorResponse("Missing or invalid token"),
						"413": errorResponse("Payload too large"),
						"500": errorResponse("Failed to store item"),
					},
				},
			},
			"/historial": map[string]any{
				"get": map[string]any{
					"summary":     "Fusion history, newest first",
					"operationId": "historial",
					"security":    bearer,
					"parameters": []map[string]any{
						{"name": "limit", "in": "query", "schema": map[string]any{"type": "integer", "minimum": 1, "maximum": 100, "default": 10}},
						{"name": "cursor", "in": "query", "schema": str()},
					},
					"responses": map[string]any{
						"200": response("History page", "HistoryResponse"),
						"401": errorResponse("Missing or invalid token"),
						"500": errorResponse("Failed to read history"),
					},
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"bearerAuth": map[string]any{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
			"schemas": schemas(),
		},
	}
}

func fusionResponse(description string) map[string]any {
	r := response(description, "FusionResult")
	r["headers"] = map[string]any{
		"X-Cache":        map[string]any{"schema": map[string]any{"type": "string", "enum": []string{"Hit", "Miss"}}},
		"X-Cache-Source": map[string]any{"schema": map[string]any{"type": "string", "enum": []string{"MEMORY", "DURABLE", "MISS"}}},
	}
	return r
}

func schemas() map[string]any {
	object := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	open := func(schema map[string]any, description string) map[string]any {
		schema["additionalProperties"] = true
		schema["description"] = description
		return schema
	}

	return map[string]any{
		"ErrorResponse": object(map[string]any{"message": str(), "request_id": str()}, "message"),
		"ErrorWithIssues": object(map[string]any{
			"message": str(),
			"issues":  map[string]any{"type": "object", "additionalProperties": str()},
		}, "message"),
		"LoginRequest": object(map[string]any{"username": str(), "password": str()}, "username", "password"),
		"LoginResponse": object(map[string]any{
			"access_token": str(),
			"token_type":   map[string]any{"type": "string", "example": "Bearer"},
			"expires_in":   map[string]any{"type": "integer", "example": 7200},
		}, "access_token", "token_type", "expires_in"),
		"StoreItemRequest": object(map[string]any{
			"name":  map[string]any{"type": "string", "minLength": 1},
			"email": str("email"),
			"notes": map[string]any{"type": "string", "maxLength": 2000},
		}, "name"),
		"StoreItemResponse": map[string]any{
			"allOf": []any{
				ref("StoreItemRequest"),
				object(map[string]any{"id": str("uuid"), "createdAt": str("date-time")}, "id", "createdAt"),
			},
		},
		"FusionResource": map[string]any{"type": "string", "enum": []string{"people", "planets"}, "default": "people"},
		"WikiSummary": open(object(map[string]any{
			"title": str(), "extract": str(), "url": str("uri"), "thumbnail": str("uri"),
		}), "Wikipedia page summary"),
		"SWPerson": open(object(map[string]any{
			"name": str(), "height": str(), "mass": str(), "gender": str(), "birth_year": str(), "homeworld": str(),
		}), "SWAPI person, partial"),
		"SWPlanet": open(object(map[string]any{
			"name": str(), "climate": str(), "terrain": str(), "population": str(),
		}), "SWAPI planet, partial"),
		"FusionResult": object(map[string]any{
			"base":      map[string]any{"oneOf": []any{ref("SWPerson"), ref("SWPlanet")}, "nullable": true},
			"wiki":      map[string]any{"allOf": []any{ref("WikiSummary")}, "nullable": true},
			"fetchedAt": str("date-time"),
			"_cache":    map[string]any{"type": "string", "enum": []string{"MEMORY", "DURABLE", "MISS"}},
		}, "fetchedAt"),
		"HistoryItem": open(object(map[string]any{
			"pk":          map[string]any{"type": "string", "example": "fusionados"},
			"sk":          map[string]any{"type": "string", "description": "timestamp#uuid"},
			"resource":    ref("FusionResource"),
			"q":           str(),
			"hasBase":     map[string]any{"type": "boolean"},
			"hasWiki":     map[string]any{"type": "boolean"},
			"cacheSource": str(),
			"durationMs":  map[string]any{"type": "integer"},
		}), "One fusion lookup"),
		"HistoryResponse": object(map[string]any{
			"items":      map[string]any{"type": "array", "items": ref("HistoryItem")},
			"nextCursor": map[string]any{"type": "string", "nullable": true},
		}, "items"),
	}
}

func (d Document) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func (d Document) YAML() ([]byte, error) {
	return yaml.Marshal(map[string]any(d))
}

// BasePathForStage maps an API Gateway stage to its path prefix. The
// $default stage is served from the root.
func BasePathForStage(stage string) string {
	stage = strings.Trim(strings.TrimSpace(stage), "/")
	if stage == "" || stage == "$default" {
		return ""
	}
	return "/" + stage
}

const docsHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <title>Fusion API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <style>body{margin:0} .topbar{display:none}</style>
</head>
<body>
  <div id="swagger"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
    window.onload = () => {
      window.ui = SwaggerUIBundle({
        url: "openapi.json",
        dom_id: "#swagger",
        deepLinking: true,
        presets: [SwaggerUIBundle.presets.apis],
        layout: "BaseLayout"
      });
    };
  </script>
</body>
</html>
`

// DocsHTML loads Swagger UI against the relative openapi.json, so the page
// works under any stage prefix.
func DocsHTML() string {
	return docsHTML
}
