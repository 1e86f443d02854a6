// Package api embeds the OpenAPI description of the collector control API.
package api

import _ "embed"

//go:embed openapi.yaml
var Spec []byte
