package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/models"
)

type mapResolver struct {
	defs     map[string]models.MacroDefinition
	fallback string
}

func (m mapResolver) Resolve(label string) (models.MacroDefinition, error) {
	if def, ok := m.defs[label]; ok {
		return def, nil
	}
	if def, ok := m.defs[m.fallback]; ok {
		return def, nil
	}
	return models.MacroDefinition{}, apperr.ErrNotFound
}

func newService(t *testing.T, ui *fakeUI, defs ...models.MacroDefinition) *Service {
	t.Helper()
	res := mapResolver{defs: map[string]models.MacroDefinition{}, fallback: "fallback.js"}
	for _, d := range defs {
		res.defs[d.Label] = d
	}
	return &Service{
		Resolver: res,
		JS:       newRuntime(t, nil),
		Starlark: NewStarlark(nil, nil, nil, quiet),
		Env:      Env{APIKey: "sk-test"},
		Script:   ui,
		Notify:   ui,
		Logger:   quiet,
	}
}

func TestServiceRunsInlineCode(t *testing.T) {
	svc := newService(t, &fakeUI{})
	res, err := svc.Run(context.Background(), models.ExecutionTask{
		ID:    "t1",
		Code:  "function f({ input }) { return input.x + 1 }",
		Input: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	requireJSON(t, `2`, res)
}

func TestServiceFailureToasts(t *testing.T) {
	ui := &fakeUI{}
	svc := newService(t, ui)
	_, err := svc.Run(context.Background(), models.ExecutionTask{
		ID:   "t2",
		Code: "function f() { throw new Error('boom') }",
	})
	require.Error(t, err)
	assert.Equal(t, "Error: boom", err.Error())
	assert.Equal(t, []string{"Error: boom"}, ui.Toasts())
}

func TestServiceInvalidCodeFails(t *testing.T) {
	ui := &fakeUI{}
	svc := newService(t, ui)
	_, err := svc.Run(context.Background(), models.ExecutionTask{ID: "t3", Code: "const x = 1"})
	assert.True(t, errors.Is(err, apperr.ErrNoEntryPoint))
	assert.Len(t, ui.Toasts(), 1)
}

func TestServiceUnknownLabelUsesFallback(t *testing.T) {
	fallback := compile(t, "fallback.js", "function fallback({ label, apiKey }) { return label + ':' + apiKey }")
	svc := newService(t, &fakeUI{}, fallback)

	res, err := svc.Run(context.Background(), models.ExecutionTask{ID: "t4", Label: "#summarize"})
	require.NoError(t, err)
	requireJSON(t, `"#summarize:sk-test"`, res)
}

func TestServiceRoutesStarlark(t *testing.T) {
	def := compile(t, "double.star", "def double(ctx):\n    return ctx.input[\"n\"] * 2\n")
	svc := newService(t, &fakeUI{}, def)

	res, err := svc.Run(context.Background(), models.ExecutionTask{
		ID:    "t5",
		Label: "double.star",
		Input: json.RawMessage(`{"n":21}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res)
}
