package services

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/taras-bel/freelance/backend/internal/models"
)

// Request schema names.
const (
	SchemaEscrowCreate  = "escrow_create"
	SchemaEscrowDispute = "escrow_dispute"
	SchemaEscrowResolve = "escrow_resolve"
	SchemaWithdrawal    = "withdrawal"
	SchemaInvoiceStatus = "invoice_status"
	SchemaGatewayEvent  = "gateway_event"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks request bodies and gateway events against JSON schemas
// compiled once at startup.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schema, keyed by file name without extension.
func NewValidator() (*Validator, error) {
	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	schemas := make(map[string]*jsonschema.Schema, len(files))
	for _, f := range files {
		data, err := schemaFS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", f, err)
		}
		name := strings.TrimSuffix(path.Base(f), ".json")
		id := "https://freelance.local/schemas/" + name + ".json"
		schemas[name], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Validate hard-rejects doc if it does not match the named schema.
func (v *Validator) Validate(name string, doc []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var parsed interface{}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", models.ErrValidation, err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}
