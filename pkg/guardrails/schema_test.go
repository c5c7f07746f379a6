package guardrails

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/pkg/proto"
)

func TestSchemaValidation(t *testing.T) {
	v, err := NewSchemaValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		step    proto.StepID
		raw     string
		wantErr bool
	}{
		{"plan ok", proto.StepPlanner, `{"spec":"s","pages":["/"],"endpoints":[],"data_models":["Todo"]}`, false},
		{"plan missing field", proto.StepPlanner, `{"spec":"s","pages":[]}`, true},
		{"plan wrong type", proto.StepPlanner, `{"spec":1,"pages":[],"endpoints":[],"data_models":[]}`, true},
		{"files ok", proto.StepFrontend, `{"index.html":"<html></html>"}`, false},
		{"files non-string", proto.StepBackend, `{"main.py":3}`, true},
		{"files empty name", proto.StepBackend, `{"":"x"}`, true},
		{"files parent segment", proto.StepFrontend, `{"../SPEC.md":"x"}`, true},
		{"files nested parent", proto.StepFrontend, `{"src/../../a.js":"x"}`, true},
		{"files absolute", proto.StepBackend, `{"/etc/passwd":"x"}`, true},
		{"files dotfile ok", proto.StepBackend, `{".gitignore":"x","src/app.py":"y"}`, false},
		{"validation ok", proto.StepValidator, `{"passed":false,"report":"bad","target":"backend"}`, false},
		{"validation no target", proto.StepValidator, `{"passed":true,"report":"ok"}`, false},
		{"validation missing passed", proto.StepValidator, `{"report":"ok"}`, true},
		{"not json", proto.StepPlanner, `here is your plan`, true},
		{"empty", proto.StepFrontend, "  ", true},
		{"fenced", proto.StepFrontend, "```json\n{\"a.js\":\"x\"}\n```", false},
		{"unknown step needs only json", proto.StepOrchestrator, `{"anything":1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.step, tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSchema)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtractJSONStripsFence(t *testing.T) {
	out, err := ExtractJSON("```\n{\"passed\":true}\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `{"passed":true}`, string(out))
}
