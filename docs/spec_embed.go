// Package docs embeds the HTTP API description.
package docs

import _ "embed"

// OpenAPISpec is served at /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
