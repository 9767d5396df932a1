//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

const docTemplate = `{
  "swagger": "2.0",
  "info": {"title": "{{.Title}}", "description": "{{escape .Description}}", "version": "{{.Version}}"},
  "basePath": "{{.BasePath}}",
  "paths": {
    "/ping": {"get": {"summary": "Worker and model status", "produces": ["application/json"],
      "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}}},
    "/invocations": {"post": {"summary": "Run a prediction; the model comes from model_name", 
      "parameters": [{"name": "model_name", "in": "query", "type": "string"}],
      "responses": {"200": {"description": "Prediction output"}, "400": {"description": "Model name required"},
        "404": {"description": "Model not found"}, "429": {"description": "Pool saturated"}}}},
    "/predictions/{model}": {"post": {"summary": "Run a prediction on a named model",
      "parameters": [{"name": "model", "in": "path", "required": true, "type": "string"}],
      "responses": {"200": {"description": "Prediction output"}, "404": {"description": "Model not found"},
        "429": {"description": "Pool saturated"}}}},
    "/models": {
      "get": {"summary": "List models", "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}}},
      "post": {"summary": "Register a model", "consumes": ["application/json"],
        "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.RegisterRequest"}}],
        "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/types.Model"}},
          "403": {"description": "URL not allowed"}}}},
    "/models/{model}": {"delete": {"summary": "Unregister a model",
      "parameters": [{"name": "model", "in": "path", "required": true, "type": "string"}],
      "responses": {"204": {"description": "Removed"}, "404": {"description": "Model not found"}, "409": {"description": "Model is loading"}}}}
  },
  "definitions": {
    "types.RegisterRequest": {"type": "object", "properties": {"name": {"type": "string"}, "url": {"type": "string"},
      "min_workers": {"type": "integer"}, "max_workers": {"type": "integer"}, "max_batch_delay_ms": {"type": "integer"}}},
    "types.Model": {"type": "object", "properties": {"name": {"type": "string"}, "url": {"type": "string"}, "state": {"type": "string"},
      "min_workers": {"type": "integer"}, "max_workers": {"type": "integer"}, "inflight": {"type": "integer"}, "pool": {"type": "string"}}},
    "types.ModelsResponse": {"type": "object", "properties": {"models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}}},
    "types.StatusResponse": {"type": "object", "properties": {"status": {"type": "string"}, "ready_models": {"type": "integer"},
      "loading_models": {"type": "integer"}, "failed_models": {"type": "integer"}, "busy_workers": {"type": "integer"}, "idle_workers": {"type": "integer"}}}
  }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "predictd API",
	Description:      "Inference dispatcher: model registry, per-model worker pools and predictions.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// MountSwagger serves the UI at /swagger/ and the document at /swagger/doc.json.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
