package api

import (
	_ "embed"
	"net/http"
	"strings"
)

//go:embed openapi.yaml
var openAPISpec string

// SpecHandler serves the OpenAPI document. It carries an {issuer}
// placeholder that is replaced with the configured OIDC issuer before returning.
func SpecHandler(issuer string) http.HandlerFunc {
	doc := strings.ReplaceAll(openAPISpec, "{issuer}", issuer)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write([]byte(doc))
	}
}
