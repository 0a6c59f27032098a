package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/services/cache"
)

// subProcess adds a sub-process holding start -> els... -> end to p.
func subProcess(p *model.Process, id string, els ...*model.Element) *model.Element {
	sub := &model.Element{ID: id, Type: model.ElementSubProcess}
	p.Add(sub)
	p.Add(&model.Element{ID: id + "_start", Type: model.ElementStartEvent, FlowScopeID: id})
	prev := id + "_start"
	for _, el := range els {
		el.FlowScopeID = id
		p.Add(el)
		p.Connect(prev+"_"+el.ID, prev, el.ID)
		prev = el.ID
	}
	p.Add(&model.Element{ID: id + "_end", Type: model.ElementEndEvent, FlowScopeID: id})
	p.Connect(prev+"_"+id+"_end", prev, id+"_end")
	return sub
}

func TestProcessRunsToCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(flow("simple", &model.Element{ID: "noop", Type: model.ElementTask}))
	pik := h.create("simple", map[string]any{"a": 1})

	for _, id := range []string{"start", "noop", "end", "simple"} {
		assert.Equal(t, 1, h.count(id, model.ElementCompleted), id)
	}
	assert.False(t, h.exists(pik))
	assert.False(t, h.e.State().Variables.HasScope(pik))
	assert.Len(t, h.valueRecords(model.ValueProcessInstance, model.SequenceFlowTaken), 2)
}

func TestCompleteWaitingTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(flow("wait", serviceTask("work"), serviceTask("hold")))
	pik := h.create("wait", nil)

	work := h.keyOf("work")
	assert.Equal(t, model.ElementActivated, h.stateOf(work))
	h.complete(work, map[string]any{"answer": 42})

	assert.False(t, h.exists(work))
	assert.Equal(t, int64(42), h.variable(pik, "answer"))
	assert.Equal(t, model.ElementActivated, h.stateOf(h.keyOf("hold")))
}

func TestAwaitedResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(flow("quick"))
	pos := h.submit(&model.Record{
		ValueType: model.ValueProcessInstanceCreation,
		Intent:    model.Create,
		RequestID: "req-1",
		Creation:  &model.ProcessInstanceCreationValue{BpmnProcessID: "quick", Variables: h.doc(map[string]any{"a": "b"}), AwaitResult: true},
	})
	pik := h.followUp(pos, model.ValueProcessInstanceCreation, model.Created).Key

	results := h.valueRecords(model.ValueProcessInstanceResult, model.Completed)
	require.Len(t, results, 1)
	assert.Equal(t, "req-1", results[0].RequestID)
	assert.Equal(t, pik, results[0].Result.ProcessInstanceKey)
	assert.Equal(t, h.doc(map[string]any{"a": "b"}), results[0].Result.Variables)
}

func TestCancelTerminatesDepthFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := model.NewProcess("nest")
	p.Add(&model.Element{ID: "start", Type: model.ElementStartEvent})
	subProcess(p, "sub", serviceTask("work"))
	p.Connect("start_sub", "start", "sub")
	h.deploy(p)
	pik := h.create("nest", nil)
	require.Equal(t, model.ElementActivated, h.stateOf(h.keyOf("work")))

	h.cancel(pik)

	order := make([]int64, 0, 3)
	for _, id := range []string{"work", "sub", "nest"} {
		evs := h.events(id, model.ElementTerminated)
		require.Len(t, evs, 1, id)
		order = append(order, evs[0].Position)
	}
	assert.IsIncreasing(t, order)
	assert.False(t, h.exists(pik))
	assert.Zero(t, h.e.State().Instances.Len())
}

func TestCommandRejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(flow("wait", serviceTask("work")))
	pik := h.create("wait", nil)
	work := h.keyOf("work")

	crossing := model.NewProcess("crossing")
	crossing.Add(&model.Element{ID: "start", Type: model.ElementStartEvent})
	subProcess(crossing, "sub")
	crossing.Connect("bad", "start", "sub_end")

	broken := flow("broken", &model.Element{ID: "each", Type: model.ElementTask,
		Loop: &model.LoopCharacteristics{InputCollection: "= items["}})

	tests := []struct {
		name string
		rec  *model.Record
		want errors.RejectionType
	}{
		{"complete unknown instance", &model.Record{Key: 999_999, ValueType: model.ValueProcessInstance, Intent: model.CompleteElement}, errors.RejectionNotFound},
		{"complete process", &model.Record{Key: pik, ValueType: model.ValueProcessInstance, Intent: model.CompleteElement}, errors.RejectionInvalidState},
		{"cancel task", &model.Record{Key: work, ValueType: model.ValueProcessInstance, Intent: model.Cancel}, errors.RejectionInvalidState},
		{"create undeployed", &model.Record{ValueType: model.ValueProcessInstanceCreation, Intent: model.Create,
			Creation: &model.ProcessInstanceCreationValue{BpmnProcessID: "nope"}}, errors.RejectionNotFound},
		{"activate existing", &model.Record{Key: pik, ValueType: model.ValueProcessInstance, Intent: model.ActivateElement,
			ProcessInstance: &model.ProcessInstanceValue{ElementType: model.ElementProcess}}, errors.RejectionAlreadyExists},
		{"resolve unknown incident", &model.Record{Key: 999_999, ValueType: model.ValueIncident, Intent: model.Resolve}, errors.RejectionNotFound},
		{"trigger unknown timer", &model.Record{Key: 999_999, ValueType: model.ValueTimer, Intent: model.Trigger}, errors.RejectionNotFound},
		{"publish without name", &model.Record{ValueType: model.ValueMessage, Intent: model.Publish, Message: &model.MessageValue{}}, errors.RejectionInvalidArgument},
		{"deploy crossing flow", &model.Record{ValueType: model.ValueDeployment, Intent: model.Create,
			Deployment: &model.DeploymentValue{Processes: []*model.DeployedProcess{{Process: crossing}}}}, errors.RejectionInvalidArgument},
		{"deploy broken expression", &model.Record{ValueType: model.ValueDeployment, Intent: model.Create,
			Deployment: &model.DeploymentValue{Processes: []*model.DeployedProcess{{Process: broken}}}}, errors.RejectionInvalidArgument},
		{"update unknown scope", &model.Record{ValueType: model.ValueVariableDocument, Intent: model.Update,
			Document: &model.VariableDocumentValue{ScopeKey: 999_999}}, errors.RejectionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := *h
			h.t = t
			pos := h.submit(tt.rec)
			requireRejected(t, h.rejection(pos), tt.want)
			assert.Len(t, h.followUps(pos), 1)
		})
	}
	assert.Equal(t, model.ElementActivated, h.stateOf(work))
}

func TestFailedOutputMappingRaisesIncident(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := model.NewProcess("io")
	p.Add(&model.Element{ID: "start", Type: model.ElementStartEvent})
	sub := subProcess(p, "sub")
	sub.OutputMappings = []model.Mapping{{Source: "= result", Target: "out"}}
	p.Add(serviceTask("hold"))
	p.Connect("start_sub", "start", "sub")
	p.Connect("sub_hold", "sub", "hold")
	h.deploy(p)
	pik := h.create("io", nil)

	subKey := h.keyOf("sub")
	created := h.valueRecords(model.ValueIncident, model.Created)
	require.Len(t, created, 1)
	inc := created[0].Incident
	assert.Equal(t, errors.IOMappingError, inc.ErrorType)
	assert.Equal(t, subKey, inc.ElementInstanceKey)
	assert.Equal(t, model.HookCompleting, inc.Hook)
	assert.Equal(t, model.ElementCompleting, h.stateOf(subKey))
	assert.Equal(t, 0, h.count("sub", model.ElementCompleted))

	// retrying without a fix resolves the incident and raises a new one
	h.submit(&model.Record{Key: created[0].Key, ValueType: model.ValueIncident, Intent: model.Resolve})
	created = h.valueRecords(model.ValueIncident, model.Created)
	require.Len(t, created, 2)
	assert.Len(t, h.valueRecords(model.ValueIncident, model.Resolved), 1)
	_, open := h.e.State().Incidents.Get(created[0].Key)
	assert.False(t, open)

	h.submit(&model.Record{
		ValueType: model.ValueVariableDocument,
		Intent:    model.Update,
		Document:  &model.VariableDocumentValue{ScopeKey: pik, Variables: h.doc(map[string]any{"result": 7})},
	})
	h.submit(&model.Record{Key: created[1].Key, ValueType: model.ValueIncident, Intent: model.Resolve})

	assert.Equal(t, 1, h.count("sub", model.ElementCompleted))
	assert.Equal(t, int64(7), h.variable(pik, "out"))
	assert.Equal(t, model.ElementActivated, h.stateOf(h.keyOf("hold")))
	assert.Empty(t, h.e.State().Incidents.ForElement(subKey))
}

func TestTerminatingResolvesIncidents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := model.NewProcess("io")
	p.Add(&model.Element{ID: "start", Type: model.ElementStartEvent})
	sub := subProcess(p, "sub")
	sub.OutputMappings = []model.Mapping{{Source: "= result", Target: "out"}}
	p.Connect("start_sub", "start", "sub")
	h.deploy(p)
	pik := h.create("io", nil)
	require.Len(t, h.valueRecords(model.ValueIncident, model.Created), 1)

	h.cancel(pik)

	assert.Len(t, h.valueRecords(model.ValueIncident, model.Resolved), 1)
	assert.Equal(t, 1, h.count("sub", model.ElementTerminated))
	assert.False(t, h.exists(pik))
}

func TestReplayIsDeterministic(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(flow("mi", &model.Element{ID: "each", Type: model.ElementServiceTask, Loop: &model.LoopCharacteristics{
		InputCollection:  "= items",
		InputElement:     "item",
		OutputCollection: "results",
		OutputElement:    "= item",
	}}, serviceTask("hold")))
	h.create("mi", map[string]any{"items": []any{"x", "y", "z"}})
	inner := h.eventsOf("each", model.ElementServiceTask, model.ElementActivating)
	require.Len(t, inner, 3)
	h.complete(inner[1].Key, nil)
	h.complete(inner[0].Key, map[string]any{"extra": true})

	last, err := h.log.LastPosition(h.ctx)
	require.NoError(t, err)

	replayed, err := New(WithLog(h.log))
	require.NoError(t, err)
	require.NoError(t, replayed.Run(h.ctx))

	assert.Equal(t, h.e.State().Dump(), replayed.State().Dump())
	want, err := h.e.State().Snapshot()
	require.NoError(t, err)
	got, err := replayed.State().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, want, got, "snapshots must be bit-identical")
	again, err := h.log.LastPosition(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, last, again, "replay must not append records")
}

func TestReplayFromSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(flow("wait", serviceTask("work"), serviceTask("hold")))
	pik := h.create("wait", map[string]any{"n": 1})

	snap, err := h.e.State().Snapshot()
	require.NoError(t, err)
	h.complete(h.keyOf("work"), map[string]any{"n": 2})
	last, err := h.log.LastPosition(h.ctx)
	require.NoError(t, err)

	c, err := cache.NewDefinitionCache()
	require.NoError(t, err)
	st := state.New(c)
	require.NoError(t, st.Restore(snap))
	restored, err := New(WithLog(h.log), WithState(st))
	require.NoError(t, err)
	require.NoError(t, restored.Run(h.ctx))

	processed, _ := st.Positions()
	assert.Equal(t, last, processed)
	b, ok := st.Variables.GetVariable(pik, "n")
	require.True(t, ok)
	n, err := document.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, h.e.State().Instances.Len(), st.Instances.Len())
	again, err := h.log.LastPosition(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, last, again)
}

func TestDivergentReplayStopsEngine(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(flow("wait", serviceTask("work")))
	h.create("wait", nil)

	forged := logstream.NewMemoryLog()
	tampered := false
	for _, r := range h.records() {
		if !tampered && r.SourcePosition != 0 && r.ValueType == model.ValueProcessInstance {
			r.Key++
			tampered = true
		}
		require.NoError(t, forged.Append(h.ctx, r))
	}
	require.True(t, tampered)

	e, err := New(WithLog(forged))
	require.NoError(t, err)
	err = e.Run(h.ctx)
	require.ErrorIs(t, err, errors.ErrNonDeterministicReplay)
	_, err = e.Step(h.ctx)
	assert.ErrorIs(t, err, errors.ErrEngineStopped)
}
