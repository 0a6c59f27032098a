package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// leafOnly implements ElementProcessor without handling children.
type leafOnly struct{}

func (leafOnly) OnActivating(context.Context, *ElementContext) error    { return nil }
func (leafOnly) OnActivated(context.Context, *ElementContext) error     { return nil }
func (leafOnly) OnCompleting(context.Context, *ElementContext) error    { return nil }
func (leafOnly) OnCompleted(context.Context, *ElementContext) error     { return nil }
func (leafOnly) OnTerminating(context.Context, *ElementContext) error   { return nil }
func (leafOnly) OnTerminated(context.Context, *ElementContext) error    { return nil }
func (leafOnly) OnEventOccurred(context.Context, *ElementContext) error { return nil }

func allProcessors(p ElementProcessor, container ElementProcessor) map[model.ElementType]ElementProcessor {
	ret := make(map[model.ElementType]ElementProcessor)
	for _, t := range model.ElementTypes() {
		if t.IsContainer() || t == model.ElementCallActivity {
			ret[t] = container
		} else {
			ret[t] = p
		}
	}
	return ret
}

func TestNewDispatcherValidatesRegistrations(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	container := &SubProcessProcessor{b: h.e.behaviors}

	t.Run("complete", func(t *testing.T) {
		_, err := NewDispatcher(h.e.State(), allProcessors(leafOnly{}, container))
		assert.NoError(t, err)
	})
	t.Run("missing type", func(t *testing.T) {
		procs := allProcessors(leafOnly{}, container)
		delete(procs, model.ElementReceiveTask)
		_, err := NewDispatcher(h.e.State(), procs)
		require.ErrorIs(t, err, errors.ErrUnregisteredElementType)
		assert.True(t, errors.IsFatal(err))
	})
	t.Run("container without child hooks", func(t *testing.T) {
		procs := allProcessors(leafOnly{}, container)
		procs[model.ElementMultiInstanceBody] = leafOnly{}
		_, err := NewDispatcher(h.e.State(), procs)
		require.ErrorIs(t, err, errors.ErrUnregisteredElementType)
	})
}

func TestDispatchChildHookToLeafIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	container := &SubProcessProcessor{b: h.e.behaviors}
	d, err := NewDispatcher(h.e.State(), allProcessors(leafOnly{}, container))
	require.NoError(t, err)

	ec := &ElementContext{
		Element:  &model.Element{ID: "task", Type: model.ElementServiceTask},
		Instance: &model.ElementInstance{Key: 1, ElementType: model.ElementServiceTask, State: model.ElementActivated},
	}
	err = d.Dispatch(context.Background(), model.HookChildCompleted, ec, nil)
	require.ErrorIs(t, err, errors.ErrUnregisteredElementType)
	assert.True(t, errors.IsFatal(err))
}

func TestStateForHooks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		hook model.LifecycleHook
		want model.Intent
	}{
		{model.HookActivating, model.ElementActivating},
		{model.HookActivated, model.ElementActivated},
		{model.HookEventOccurred, model.ElementActivated},
		{model.HookCompleting, model.ElementCompleting},
		{model.HookCompleted, model.ElementCompleted},
		{model.HookTerminating, model.ElementTerminating},
		{model.HookTerminated, model.ElementTerminated},
		{model.HookChildCompleted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.hook.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, stateFor(tt.hook))
		})
	}
}
