package guardrails

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"codeforge/pkg/proto"
)

const planSchema = `{
  "type": "object",
  "required": ["spec", "pages", "endpoints", "data_models"],
  "properties": {
    "spec":        {"type": "string"},
    "pages":       {"type": "array", "items": {"type": "string"}},
    "endpoints":   {"type": "array", "items": {"type": "string"}},
    "data_models": {"type": "array", "items": {"type": "string"}}
  }
}`

const filesSchema = `{
  "type": "object",
  "propertyNames": {
    "minLength": 1,
    "not": {"pattern": "(^|/)\\.{1,2}(/|$)|^/|//"}
  },
  "additionalProperties": {"type": "string"}
}`

const validationSchema = `{
  "type": "object",
  "required": ["passed", "report"],
  "properties": {
    "passed": {"type": "boolean"},
    "report": {"type": "string"},
    "target": {"type": "string"}
  }
}`

// SchemaValidator holds one compiled schema per worker step.
type SchemaValidator struct {
	schemas map[proto.StepID]*jsonschema.Schema
}

// NewSchemaValidator compiles the built-in step schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	sources := map[proto.StepID]string{
		proto.StepPlanner:   planSchema,
		proto.StepFrontend:  filesSchema,
		proto.StepBackend:   filesSchema,
		proto.StepValidator: validationSchema,
	}
	v := &SchemaValidator{schemas: make(map[proto.StepID]*jsonschema.Schema, len(sources))}
	for step, src := range sources {
		s, err := compileSchema(string(step), src)
		if err != nil {
			return nil, err
		}
		v.schemas[step] = s
	}
	return v, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return s, nil
}

// Validate extracts the JSON payload from raw step output and checks it
// against the step's schema. Steps without a schema only need valid JSON.
func (v *SchemaValidator) Validate(step proto.StepID, raw string) ([]byte, error) {
	payload, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	schema, ok := v.schemas[step]
	if !ok {
		return payload, nil
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s output: %v", ErrSchema, step, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s output: %v", ErrSchema, step, err)
	}
	return payload, nil
}

// ExtractJSON trims whitespace and a surrounding markdown code fence, then
// requires the remainder to be a single JSON value.
func ExtractJSON(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty output", ErrSchema)
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: output is not valid JSON", ErrSchema)
	}
	return []byte(s), nil
}
