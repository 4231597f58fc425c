//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// docTemplate is a hand-maintained summary of the routes; `swag init -g cmd/inferd/docs.go`
// regenerates the full document from the handler annotations.
const docTemplate = `{
  "swagger": "2.0",
  "info": {"title": "{{.Title}}", "description": "{{escape .Description}}", "version": "{{.Version}}"},
  "basePath": "{{.BasePath}}",
  "schemes": {{ marshal .Schemes }},
  "paths": {
    "/models": {"get": {"tags": ["models"], "summary": "List models", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/models/select": {"post": {"tags": ["models"], "summary": "Select the active model", "consumes": ["application/json"], "responses": {"204": {"description": "No Content"}, "404": {"description": "Not Found"}}}},
    "/status": {"get": {"tags": ["status"], "summary": "Server, queue and resource status", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/analyze": {"post": {"tags": ["jobs"], "summary": "Submit an analysis job", "consumes": ["application/json"], "responses": {"202": {"description": "Accepted"}, "429": {"description": "Busy"}}}},
    "/batch": {"post": {"tags": ["jobs"], "summary": "Enqueue a batch job", "consumes": ["application/json"], "responses": {"202": {"description": "Accepted"}}}},
    "/chat": {"post": {"tags": ["jobs"], "summary": "Chat with the selected model", "consumes": ["application/json"], "responses": {"200": {"description": "OK"}, "429": {"description": "Busy"}, "504": {"description": "Timeout"}}}},
    "/stop": {"post": {"tags": ["jobs"], "summary": "Stop all work", "responses": {"204": {"description": "No Content"}}}},
    "/events": {"get": {"tags": ["events"], "summary": "Stream events over a websocket", "responses": {"101": {"description": "Switching Protocols"}}}}
  }
}`

// SwaggerInfo holds exported metadata for the document.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "inferd API",
	Description:      "HTTP control surface for the local inference orchestrator.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// MountSwagger serves the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
