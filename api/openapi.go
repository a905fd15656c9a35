package api

import _ "embed"

// The machine-readable API contract served at /openapi.yaml.
//
//go:embed openapi.yaml
var openAPISpecYAML []byte
