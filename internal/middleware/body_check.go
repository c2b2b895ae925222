package middleware

import (
	"bytes"
	"io"
	"net/http"
)

// MaxBodyBytes caps request bodies read by ValidateBody.
const MaxBodyBytes = 1 << 20

// SchemaValidator checks a document against a named schema.
type SchemaValidator interface {
	Validate(name string, doc []byte) error
}

// ValidateBody rejects a request whose JSON body does not match schema. It
// reads the body, then replaces r.Body so downstream handlers can re-read it.
func ValidateBody(v SchemaValidator, schema string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			r.Body.Close()
			if err != nil {
				jsonError(w, "failed to read body", http.StatusBadRequest)
				return
			}
			if err := v.Validate(schema, body); err != nil {
				jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
