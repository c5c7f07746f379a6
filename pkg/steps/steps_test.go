package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/pkg/knowledge"
	"codeforge/pkg/proto"
)

type fakeLookup struct {
	err     error
	results []knowledge.Result
	queries []string
}

func (f *fakeLookup) Lookup(_ context.Context, query string, _ int) ([]knowledge.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil, 3)
	assert.Equal(t, []proto.StepID{proto.StepPlanner, proto.StepFrontend, proto.StepBackend, proto.StepValidator}, r.IDs())

	_, err := r.Lookup(proto.StepOrchestrator)
	assert.Error(t, err)
	s, err := r.Lookup(proto.StepBackend)
	require.NoError(t, err)
	assert.Equal(t, proto.StepBackend, s.ID())
}

func TestPlannerInputUsesLookup(t *testing.T) {
	lookup := &fakeLookup{results: []knowledge.Result{{Text: "Todo App Pattern", Category: "productivity"}}}
	p, err := NewRegistry(lookup, 3).Lookup(proto.StepPlanner)
	require.NoError(t, err)

	s := proto.NewJobState("j", "c", "build a todo app", 3, 100)
	data, err := p.Input(context.Background(), &s)
	require.NoError(t, err)
	assert.Equal(t, "- **[productivity]** Todo App Pattern", data.References)
	assert.Equal(t, []string{"build a todo app"}, lookup.queries)

	lookup.err = errors.New("db locked")
	data, err = p.Input(context.Background(), &s)
	require.NoError(t, err)
	assert.Equal(t, knowledge.NoContext, data.References)
}

func TestDecode(t *testing.T) {
	r := NewRegistry(nil, 3)
	lookup := func(id proto.StepID) Step {
		s, err := r.Lookup(id)
		require.NoError(t, err)
		return s
	}

	d, err := lookup(proto.StepPlanner).Decode([]byte(`{"spec":"s","pages":["/"],"endpoints":["GET /"],"data_models":["Todo"]}`))
	require.NoError(t, err)
	assert.Equal(t, proto.PlanDelta{Spec: "s", Pages: []string{"/"}, Endpoints: []string{"GET /"}, DataModels: []string{"Todo"}}, d)

	d, err = lookup(proto.StepFrontend).Decode([]byte(`{"index.html":"<p>"}`))
	require.NoError(t, err)
	prefix, files, ok := Files(d)
	assert.True(t, ok)
	assert.Equal(t, "frontend", prefix)
	assert.Equal(t, map[string]string{"index.html": "<p>"}, files)

	d, err = lookup(proto.StepBackend).Decode([]byte(`{"main.py":"x"}`))
	require.NoError(t, err)
	assert.IsType(t, proto.BackendDelta{}, d)

	d, err = lookup(proto.StepValidator).Decode([]byte(`{"passed":false,"report":"bad","target":"be_executor"}`))
	require.NoError(t, err)
	assert.Equal(t, proto.ValidationDelta{Passed: false, Report: "bad", Target: proto.RetryBackend}, d)

	d, err = lookup(proto.StepValidator).Decode([]byte(`{"passed":false,"report":"bad"}`))
	require.NoError(t, err)
	assert.Equal(t, proto.RetryFrontend, d.(proto.ValidationDelta).Target)

	d, err = lookup(proto.StepValidator).Decode([]byte(`{"passed":true,"report":"ok","target":"backend"}`))
	require.NoError(t, err)
	assert.Equal(t, proto.RetryNone, d.(proto.ValidationDelta).Target)
}

func TestFailureTargets(t *testing.T) {
	r := NewRegistry(nil, 3)
	cause := errors.New("not json")
	want := map[proto.StepID]proto.RetryTarget{
		proto.StepPlanner:   proto.RetryPlanner,
		proto.StepFrontend:  proto.RetryPlanner,
		proto.StepBackend:   proto.RetryPlanner,
		proto.StepValidator: proto.RetryFrontend,
	}
	for id, target := range want {
		s, err := r.Lookup(id)
		require.NoError(t, err)
		f := s.Failure(cause)
		assert.Equal(t, target, f.Target, id)
		assert.Equal(t, id, f.Step)
		assert.Contains(t, f.Error, "not json")
	}
	s, _ := r.Lookup(proto.StepValidator)
	assert.NotEmpty(t, s.Failure(cause).Report)
}

func TestExecutorNeedsSpec(t *testing.T) {
	s, err := NewRegistry(nil, 3).Lookup(proto.StepFrontend)
	require.NoError(t, err)
	st := proto.NewJobState("j", "c", "r", 3, 100)
	_, err = s.Input(context.Background(), &st)
	assert.Error(t, err)
}
