package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

func TestLifecycleTransitions(t *testing.T) {
	assert.True(t, model.CanTransition(model.ElementActivating, model.ElementActivated))
	assert.True(t, model.CanTransition(model.ElementActivating, model.ElementTerminating))
	assert.True(t, model.CanTransition(model.ElementActivated, model.ElementCompleting))
	assert.True(t, model.CanTransition(model.ElementCompleting, model.ElementCompleted))
	assert.True(t, model.CanTransition(model.ElementCompleting, model.ElementTerminating))
	assert.True(t, model.CanTransition(model.ElementTerminating, model.ElementTerminated))

	assert.False(t, model.CanTransition(model.ElementActivating, model.ElementCompleting), "never skip a state")
	assert.False(t, model.CanTransition(model.ElementActivated, model.ElementCompleted))
	assert.False(t, model.CanTransition(model.ElementCompleted, model.ElementTerminating))
	assert.False(t, model.CanTransition(model.ElementTerminated, model.ElementTerminating))
	assert.False(t, model.CanTransition(model.ElementTerminating, model.ElementCompleted))
}

func TestFinalizeWrapsMultiInstance(t *testing.T) {
	p := model.NewProcess("proc")
	p.Add(&model.Element{ID: "start", Type: model.ElementStartEvent})
	p.Add(&model.Element{ID: "task", Type: model.ElementServiceTask, Loop: &model.LoopCharacteristics{InputCollection: "=items"}})
	p.Add(&model.Element{ID: "timeout", Type: model.ElementBoundaryEvent, AttachedTo: "task", Interrupting: true,
		Event: &model.EventDefinition{Type: model.EventTimer, TimeDuration: "PT1M"}})
	p.Add(&model.Element{ID: "end", Type: model.ElementEndEvent})
	p.Connect("f1", "start", "task")
	p.Connect("f2", "task", "end")
	require.NoError(t, p.Finalize())
	require.NoError(t, p.Finalize())

	body, err := p.ElementFor("task", model.ElementMultiInstanceBody)
	require.NoError(t, err)
	assert.Equal(t, []string{"f2"}, body.Outgoing)
	assert.Equal(t, []string{"timeout"}, body.BoundaryEvents)

	inner, err := p.ElementFor("task", model.ElementServiceTask)
	require.NoError(t, err)
	assert.Equal(t, "task", inner.ID)
	assert.Equal(t, "task", inner.FlowScopeID)
	assert.Empty(t, inner.Outgoing)
	assert.Nil(t, inner.Loop)

	root := p.Root()
	assert.Equal(t, "start", root.NoneStartEvent)
	assert.Equal(t, []string{"start"}, root.StartEvents)

	_, err = p.ElementFor("task", model.ElementUserTask)
	assert.ErrorIs(t, err, errors.ErrElementNotFound)
}

func TestFinalizeIndexesEventSubProcess(t *testing.T) {
	p := model.NewProcess("proc")
	p.Add(&model.Element{ID: "start", Type: model.ElementStartEvent})
	p.Add(&model.Element{ID: "esp", Type: model.ElementEventSubProcess})
	p.Add(&model.Element{ID: "espStart", Type: model.ElementStartEvent, FlowScopeID: "esp", Interrupting: true,
		Event: &model.EventDefinition{Type: model.EventMessage, MessageName: "cancel", CorrelationKey: "=id"}})
	require.NoError(t, p.Finalize())
	assert.Equal(t, []string{"esp"}, p.Root().EventSubProcesses)
	esp, err := p.Element("esp")
	require.NoError(t, err)
	assert.Equal(t, []string{"espStart"}, esp.StartEvents)
	assert.Empty(t, esp.NoneStartEvent)
}

func TestFinalizeRejectsBrokenFlows(t *testing.T) {
	p := model.NewProcess("proc")
	p.Add(&model.Element{ID: "start", Type: model.ElementStartEvent})
	p.Connect("f1", "start", "missing")
	assert.ErrorIs(t, p.Finalize(), errors.ErrElementNotFound)

	p = model.NewProcess("proc")
	p.Add(&model.Element{ID: "b", Type: model.ElementBoundaryEvent, AttachedTo: "nothing", Event: &model.EventDefinition{Type: model.EventTimer}})
	assert.ErrorIs(t, p.Finalize(), errors.ErrElementNotFound)
}

func TestHookFor(t *testing.T) {
	assert.Equal(t, model.HookActivating, model.HookFor(model.ElementActivating))
	assert.Equal(t, model.HookEventOccurred, model.HookFor(model.EventOccurred))
	assert.Equal(t, model.HookNone, model.HookFor(model.SequenceFlowTaken))
	assert.Equal(t, "onChildCompleted", model.HookChildCompleted.String())
}
