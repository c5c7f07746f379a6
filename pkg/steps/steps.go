// Package steps is the registry of worker steps. Each step knows how to build
// its prompt input from the job state, how to turn validated output into its
// delta, and where a failure routes back to.
package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"codeforge/pkg/knowledge"
	"codeforge/pkg/logx"
	"codeforge/pkg/proto"
	"codeforge/pkg/templates"
)

// Step is one worker step.
type Step interface {
	ID() proto.StepID
	Input(ctx context.Context, s *proto.JobState) (*templates.TemplateData, error)
	Decode(payload []byte) (proto.Delta, error)
	Failure(err error) proto.FailureDelta
}

// Registry maps step ids to steps.
type Registry struct {
	steps map[proto.StepID]Step
}

// NewRegistry registers the four worker steps. lookup may be nil, in which
// case the planner runs without reference examples.
func NewRegistry(lookup knowledge.Lookup, topK int) *Registry {
	r := &Registry{steps: make(map[proto.StepID]Step)}
	r.Register(&planner{lookup: lookup, topK: topK, logger: logx.NewLogger("planner")})
	r.Register(&files{id: proto.StepFrontend})
	r.Register(&files{id: proto.StepBackend})
	r.Register(&validator{})
	return r
}

// Register adds or replaces a step.
func (r *Registry) Register(s Step) {
	r.steps[s.ID()] = s
}

// Lookup returns the step for id.
func (r *Registry) Lookup(id proto.StepID) (Step, error) {
	s, ok := r.steps[id]
	if !ok {
		return nil, fmt.Errorf("no step registered for %q", id)
	}
	return s, nil
}

// IDs returns the registered step ids in pipeline order.
func (r *Registry) IDs() []proto.StepID {
	ids := make([]proto.StepID, 0, len(r.steps))
	for _, id := range proto.AllSteps {
		if _, ok := r.steps[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

type planner struct {
	lookup knowledge.Lookup
	logger *logx.Logger
	topK   int
}

func (p *planner) ID() proto.StepID { return proto.StepPlanner }

func (p *planner) Input(ctx context.Context, s *proto.JobState) (*templates.TemplateData, error) {
	data := templates.NewTemplateData(s)
	data.References = knowledge.NoContext
	if p.lookup == nil {
		return data, nil
	}
	results, err := p.lookup.Lookup(ctx, s.Request, p.topK)
	if err != nil {
		p.logger.Warn("context lookup failed for job %s, continuing without examples: %v", s.JobID, err)
		return data, nil
	}
	data.References = knowledge.Format(results)
	return data, nil
}

type planOutput struct {
	Spec       string   `json:"spec"`
	Pages      []string `json:"pages"`
	Endpoints  []string `json:"endpoints"`
	DataModels []string `json:"data_models"`
}

func (p *planner) Decode(payload []byte) (proto.Delta, error) {
	var out planOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode planner output: %w", err)
	}
	return proto.PlanDelta{
		Spec:       out.Spec,
		Pages:      out.Pages,
		Endpoints:  out.Endpoints,
		DataModels: out.DataModels,
	}, nil
}

func (p *planner) Failure(err error) proto.FailureDelta {
	return proto.FailureDelta{
		Step:   proto.StepPlanner,
		Error:  fmt.Sprintf("Planner output validation failed: %v", err),
		Target: proto.RetryPlanner,
	}
}

// files is the frontend or backend executor.
type files struct {
	id proto.StepID
}

func (f *files) ID() proto.StepID { return f.id }

func (f *files) Input(_ context.Context, s *proto.JobState) (*templates.TemplateData, error) {
	if !s.HasSpec() {
		return nil, fmt.Errorf("%s step needs a spec", f.id)
	}
	return templates.NewTemplateData(s), nil
}

func (f *files) Decode(payload []byte) (proto.Delta, error) {
	var out map[string]string
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", f.id, err)
	}
	if f.id == proto.StepFrontend {
		return proto.FrontendDelta{Files: out}, nil
	}
	return proto.BackendDelta{Files: out}, nil
}

// Failure routes an executor back to its upstream dependency, the planner.
func (f *files) Failure(err error) proto.FailureDelta {
	return proto.FailureDelta{
		Step:   f.id,
		Error:  fmt.Sprintf("%s output validation failed: %v", f.id, err),
		Target: proto.RetryPlanner,
	}
}

type validator struct{}

func (v *validator) ID() proto.StepID { return proto.StepValidator }

func (v *validator) Input(_ context.Context, s *proto.JobState) (*templates.TemplateData, error) {
	return templates.NewTemplateData(s), nil
}

type validationOutput struct {
	Report string `json:"report"`
	Target string `json:"target"`
	Passed bool   `json:"passed"`
}

// Decode maps a failed review with no usable target to the frontend step.
func (v *validator) Decode(payload []byte) (proto.Delta, error) {
	var out validationOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode validator output: %w", err)
	}
	d := proto.ValidationDelta{Passed: out.Passed, Report: out.Report}
	if !out.Passed {
		d.Target = proto.ParseRetryTarget(out.Target)
		if d.Target == proto.RetryNone {
			d.Target = proto.RetryFrontend
		}
	}
	return d, nil
}

func (v *validator) Failure(err error) proto.FailureDelta {
	msg := fmt.Sprintf("Validator output validation failed: %v", err)
	return proto.FailureDelta{
		Step:   proto.StepValidator,
		Error:  msg,
		Target: proto.RetryFrontend,
		Report: msg,
	}
}

// Files returns the file map a delta carries, for risk scanning.
func Files(d proto.Delta) (prefix string, out map[string]string, ok bool) {
	switch fd := d.(type) {
	case proto.FrontendDelta:
		return "frontend", fd.Files, true
	case proto.BackendDelta:
		return "backend", fd.Files, true
	}
	return "", nil, false
}
