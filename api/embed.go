// Package api embeds the OpenAPI description of the Kanshi HTTP API so the
// server can serve it at runtime.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 YAML document.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
