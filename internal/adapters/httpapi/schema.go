package httpapi

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed event_schema.json
var eventSchemaJSON []byte

// compileEventSchema builds the request schema once at server construction.
// The schema is embedded so the binary carries its own contract.
func compileEventSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("event.json", bytes.NewReader(eventSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add event schema resource: %w", err)
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return schema, nil
}

// schemaFieldErrors flattens a jsonschema validation error into per-field
// messages keyed by the offending property name.
func schemaFieldErrors(err error) map[string]string {
	fields := make(map[string]string)
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		fields["body"] = err.Error()
		return fields
	}
	collectLeafErrors(ve, fields)
	if len(fields) == 0 {
		fields["body"] = ve.Message
	}
	return fields
}

func collectLeafErrors(ve *jsonschema.ValidationError, fields map[string]string) {
	if len(ve.Causes) == 0 {
		field := strings.TrimPrefix(ve.InstanceLocation, "/")
		if field == "" {
			field = "body"
		}
		if idx := strings.IndexByte(field, '/'); idx > 0 {
			field = field[:idx]
		}
		if _, seen := fields[field]; !seen {
			fields[field] = ve.Message
		}
		return
	}
	for _, cause := range ve.Causes {
		collectLeafErrors(cause, fields)
	}
}
