package ingest

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed event.schema.json
var eventSchema string

const eventSchemaURL = "https://proctorguard.local/schema/event.schema.json"

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(eventSchemaURL, strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	schema, err := compiler.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a decoded JSON object against the event envelope.
func (v *Validator) Validate(obj map[string]any) error {
	if v == nil {
		return nil
	}
	if err := v.schema.Validate(obj); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return nil
}
