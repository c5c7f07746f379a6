// Package guardrails implements the checks applied around every step
// invocation: prompt integrity, input sanitization, output schema validation,
// tool and path allowlisting, and the risky-content scan with its optional
// human-review gate.
//
// Each check is independently toggleable through config.GuardrailsConfig.
// The process-wide pieces (PromptRegistry, Sandbox) are constructed once and
// injected; none of them are package globals.
package guardrails

import (
	"errors"

	"codeforge/pkg/config"
	"codeforge/pkg/proto"
)

var (
	// ErrIntegrity means a step template no longer matches its startup digest. Fatal, never retried.
	ErrIntegrity = errors.New("prompt integrity check failed")
	// ErrPathViolation means a write would land outside the sandbox root or on a denied path.
	ErrPathViolation = errors.New("path violation")
	// ErrToolNotAllowed means a step asked for a tool that is not allowlisted.
	ErrToolNotAllowed = errors.New("tool not allowed")
	// ErrSchema means step output did not match the step's schema.
	ErrSchema = errors.New("output schema validation failed")
)

// Pipeline bundles the checks with their toggles.
type Pipeline struct {
	Prompts *PromptRegistry
	Schemas *SchemaValidator
	Sandbox *Sandbox
	Review  *ReviewGate
	toggles config.GuardrailsConfig
}

// NewPipeline wires the checks. Prompts must already be registered.
func NewPipeline(cfg config.GuardrailsConfig, prompts *PromptRegistry, sandbox *Sandbox, review *ReviewGate) (*Pipeline, error) {
	schemas, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	if review == nil {
		review = NewReviewGate(false, nil)
	}
	return &Pipeline{
		Prompts: prompts,
		Schemas: schemas,
		Sandbox: sandbox,
		Review:  review,
		toggles: cfg,
	}, nil
}

// Toggles returns the active configuration.
func (p *Pipeline) Toggles() config.GuardrailsConfig {
	return p.toggles
}

// VerifyPrompt re-hashes the template in use for step.
func (p *Pipeline) VerifyPrompt(step proto.StepID, template string) error {
	if !p.toggles.PromptIntegrity || p.Prompts == nil {
		return nil
	}
	return p.Prompts.Verify(step, template)
}

// SanitizeRequest redacts injection markers when sanitization is enabled.
func (p *Pipeline) SanitizeRequest(request string) string {
	if !p.toggles.Sanitize {
		return request
	}
	return Sanitize(request)
}

// ValidateOutput checks raw step output and returns the JSON payload to decode.
// With schema validation disabled the payload only has to be well-formed JSON.
func (p *Pipeline) ValidateOutput(step proto.StepID, raw string) ([]byte, error) {
	if !p.toggles.SchemaValidation {
		return ExtractJSON(raw)
	}
	return p.Schemas.Validate(step, raw)
}

// ScanFiles runs the risky-content scan over files, labelling them with prefix.
func (p *Pipeline) ScanFiles(prefix string, files map[string]string) []string {
	if !p.toggles.RiskScan {
		return nil
	}
	return ScanRisky(prefix, files)
}
