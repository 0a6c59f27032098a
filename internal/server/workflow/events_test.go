package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

func boundary(p *model.Process, id string, host string, interrupting bool, ev *model.EventDefinition, next *model.Element) {
	p.Add(&model.Element{ID: id, Type: model.ElementBoundaryEvent, AttachedTo: host, Interrupting: interrupting, Event: ev})
	p.Add(next)
	p.Connect(id+"_"+next.ID, id, next.ID)
}

func eventSubProcess(p *model.Process, id string, interrupting bool, ev *model.EventDefinition) {
	p.Add(&model.Element{ID: id, Type: model.ElementEventSubProcess})
	p.Add(&model.Element{ID: id + "_start", Type: model.ElementStartEvent, FlowScopeID: id, Interrupting: interrupting, Event: ev})
	p.Add(&model.Element{ID: id + "_end", Type: model.ElementEndEvent, FlowScopeID: id})
	p.Connect(id+"_flow", id+"_start", id+"_end")
}

func timerDuration(d string) *model.EventDefinition {
	return &model.EventDefinition{Type: model.EventTimer, TimeDuration: d}
}

func TestReceiveTaskCorrelatesMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(flow("recv", &model.Element{ID: "wait", Type: model.ElementReceiveTask, Event: messageEvent("ping", "= orderId")}, serviceTask("hold")))
	pik := h.create("recv", map[string]any{"orderId": "o-1"})
	wait := h.keyOf("wait")

	subs := h.valueRecords(model.ValueMessageSubscription, model.Created)
	require.Len(t, subs, 1)
	assert.Equal(t, "o-1", subs[0].Subscription.CorrelationKey)

	h.publish("ping", "o-2", map[string]any{"pong": false})
	assert.Equal(t, model.ElementActivated, h.stateOf(wait))

	h.publish("ping", "o-1", map[string]any{"pong": true})
	assert.Len(t, h.valueRecords(model.ValueMessageSubscription, model.Correlated), 1)
	assert.False(t, h.exists(wait))
	assert.Equal(t, true, h.variable(pik, "pong"))
	assert.Equal(t, model.ElementActivated, h.stateOf(h.keyOf("hold")))
	assert.Empty(t, h.e.State().Messages.ForElement(wait))
}

func TestMessageStartIsBufferedPerCorrelationKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := model.NewProcess("order")
	p.Add(&model.Element{ID: "placed", Type: model.ElementStartEvent, Event: messageEvent("order", "")})
	p.Add(serviceTask("work"))
	p.Add(&model.Element{ID: "end", Type: model.ElementEndEvent})
	p.Connect("placed_work", "placed", "work")
	p.Connect("work_end", "work", "end")
	h.deploy(p)

	h.publish("order", "c1", map[string]any{"n": 1})
	require.Equal(t, 1, h.count("order", model.ElementActivated))
	first := h.keyOf("order")
	assert.Equal(t, int64(1), h.variable(first, "n"))

	h.publish("order", "c1", map[string]any{"n": 2})
	assert.Equal(t, 1, h.count("order", model.ElementActivated), "second message waits for the first instance")

	h.publish("order", "c2", map[string]any{"n": 3})
	assert.Equal(t, 2, h.count("order", model.ElementActivated))

	h.complete(h.events("work", model.ElementActivating)[0].Key, nil)
	assert.False(t, h.exists(first))
	require.Equal(t, 3, h.count("order", model.ElementActivated))
	assert.Equal(t, int64(2), h.variable(h.keyOf("order"), "n"))
}

func guarded(id string) *model.Process {
	p := flow(id, serviceTask("work"), serviceTask("done"))
	boundary(p, "timeout", "work", true, timerDuration("PT1M"), serviceTask("late"))
	return p
}

func TestInterruptingTimerBoundary(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(guarded("guard"))
	h.create("guard", nil)
	work := h.keyOf("work")

	timers := h.valueRecords(model.ValueTimer, model.Created)
	require.Len(t, timers, 1)
	assert.Equal(t, h.now.Add(time.Minute).UnixMilli(), timers[0].Timer.DueDate)
	assert.Equal(t, work, timers[0].Timer.ElementInstanceKey)

	h.advance(30 * time.Second)
	assert.Equal(t, model.ElementActivated, h.stateOf(work))

	h.advance(30 * time.Second)
	assert.Equal(t, 1, h.count("work", model.ElementTerminated))
	assert.Equal(t, 1, h.count("timeout", model.ElementCompleted))
	assert.Equal(t, model.ElementActivated, h.stateOf(h.keyOf("late")))
	assert.Equal(t, 0, h.count("done", model.ElementActivating))

	terminated := h.events("work", model.ElementTerminated)[0]
	activated := h.events("timeout", model.ElementActivating)[0]
	assert.Less(t, terminated.Position, activated.Position)
}

func TestCompletedTaskCancelsBoundaryTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(guarded("guard"))
	h.create("guard", nil)
	timer := h.valueRecords(model.ValueTimer, model.Created)[0]

	h.complete(h.keyOf("work"), nil)
	canceled := h.valueRecords(model.ValueTimer, model.Canceled)
	require.Len(t, canceled, 1)
	assert.Equal(t, timer.Key, canceled[0].Key)
	assert.Empty(t, h.e.DueTimers(h.now.Add(time.Hour)))

	pos := h.submit(&model.Record{Key: timer.Key, ValueType: model.ValueTimer, Intent: model.Trigger})
	requireRejected(t, h.rejection(pos), errors.RejectionNotFound)
	assert.Equal(t, model.ElementActivated, h.stateOf(h.keyOf("done")))
}

func TestCancelClosesSubscriptions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := flow("sleepy", &model.Element{ID: "nap", Type: model.ElementIntermediateCatchEvent, Event: timerDuration("PT1M")})
	eventSubProcess(p, "esp", true, messageEvent("wake", "= id"))
	h.deploy(p)
	pik := h.create("sleepy", map[string]any{"id": "z"})
	timer := h.valueRecords(model.ValueTimer, model.Created)[0]
	require.Len(t, h.valueRecords(model.ValueMessageSubscription, model.Created), 1)

	h.cancel(pik)

	assert.Len(t, h.valueRecords(model.ValueTimer, model.Canceled), 1)
	assert.Len(t, h.valueRecords(model.ValueMessageSubscription, model.Deleted), 1)
	pos := h.submit(&model.Record{Key: timer.Key, ValueType: model.ValueTimer, Intent: model.Trigger})
	requireRejected(t, h.rejection(pos), errors.RejectionNotFound)
	h.publish("wake", "z", nil)
	assert.Empty(t, h.valueRecords(model.ValueMessageSubscription, model.Correlated))
}

func TestIntermediateTimerCatchEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(flow("sleepy", &model.Element{ID: "nap", Type: model.ElementIntermediateCatchEvent, Event: timerDuration("PT1H")}))
	pik := h.create("sleepy", nil)

	h.advance(59 * time.Minute)
	assert.True(t, h.exists(pik))
	h.advance(time.Minute)
	assert.Len(t, h.valueRecords(model.ValueTimer, model.Triggered), 1)
	assert.False(t, h.exists(pik))
}

func TestNonInterruptingMessageBoundary(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := flow("notify", serviceTask("work"))
	boundary(p, "nudge", "work", false, messageEvent("nudge", "= id"), &model.Element{ID: "noted", Type: model.ElementEndEvent})
	h.deploy(p)
	pik := h.create("notify", map[string]any{"id": "x"})
	work := h.keyOf("work")

	h.publish("nudge", "x", map[string]any{"count": 1})
	h.publish("nudge", "x", map[string]any{"count": 2})

	assert.Equal(t, 2, h.count("nudge", model.ElementCompleted))
	assert.Equal(t, 2, h.count("noted", model.ElementCompleted))
	assert.Equal(t, model.ElementActivated, h.stateOf(work))
	assert.Equal(t, int64(2), h.variable(pik, "count"))

	h.complete(work, nil)
	assert.Len(t, h.valueRecords(model.ValueMessageSubscription, model.Deleted), 1)
	assert.False(t, h.exists(pik))
}

func TestTimerCycleBoundary(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := flow("ticker", serviceTask("work"))
	boundary(p, "tick", "work", false, &model.EventDefinition{Type: model.EventTimer, TimeCycle: "R2/PT1M"},
		&model.Element{ID: "ticked", Type: model.ElementEndEvent})
	h.deploy(p)
	h.create("ticker", nil)

	for i := 0; i < 3; i++ {
		h.advance(time.Minute)
	}
	assert.Equal(t, 2, h.count("tick", model.ElementCompleted))
	assert.Len(t, h.valueRecords(model.ValueTimer, model.Created), 2)
	assert.Len(t, h.valueRecords(model.ValueTimer, model.Triggered), 2)
	assert.Equal(t, model.ElementActivated, h.stateOf(h.keyOf("work")))
}

func TestInterruptingEventSubProcess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := flow("cancellable", serviceTask("work"))
	eventSubProcess(p, "esp", true, messageEvent("abort", "= id"))
	h.deploy(p)
	pik := h.create("cancellable", map[string]any{"id": "k"})
	work := h.keyOf("work")

	h.publish("abort", "k", map[string]any{"reason": "user"})

	terminated := h.events("work", model.ElementTerminated)
	require.Len(t, terminated, 1)
	started := h.events("esp", model.ElementActivating)
	require.Len(t, started, 1)
	assert.Less(t, terminated[0].Position, started[0].Position)
	assert.False(t, h.exists(work))
	assert.Equal(t, 1, h.count("esp_end", model.ElementCompleted))
	assert.Equal(t, 1, h.count("cancellable", model.ElementCompleted))
	assert.Equal(t, 0, h.count("end", model.ElementActivating))
	assert.False(t, h.exists(pik))
}

func TestNonInterruptingEventSubProcess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p := flow("chatty", serviceTask("work"))
	eventSubProcess(p, "esp", false, messageEvent("note", "= id"))
	h.deploy(p)
	pik := h.create("chatty", map[string]any{"id": "k"})
	work := h.keyOf("work")

	h.publish("note", "k", nil)
	h.publish("note", "k", nil)

	assert.Equal(t, 2, h.count("esp", model.ElementCompleted))
	assert.Equal(t, model.ElementActivated, h.stateOf(work))
	assert.True(t, h.exists(pik))

	h.complete(work, nil)
	assert.Equal(t, 1, h.count("chatty", model.ElementCompleted))
}

func nightly() *model.Process {
	p := model.NewProcess("nightly")
	p.Add(&model.Element{ID: "tick", Type: model.ElementStartEvent, Event: timerDuration("PT1H")})
	p.Add(serviceTask("work"))
	p.Connect("tick_work", "tick", "work")
	return p
}

func TestTimerStartEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(nightly())
	h.deploy(nightly())

	assert.Len(t, h.valueRecords(model.ValueTimer, model.Created), 2)
	canceled := h.valueRecords(model.ValueTimer, model.Canceled)
	require.Len(t, canceled, 1)
	assert.Zero(t, canceled[0].Timer.ElementInstanceKey)

	h.advance(time.Hour)
	started := h.events("nightly", model.ElementActivating)
	require.Len(t, started, 1)
	assert.Equal(t, int32(2), started[0].ProcessInstance.Version)
	assert.Equal(t, 1, h.count("tick", model.ElementCompleted))
	assert.Equal(t, model.ElementActivated, h.stateOf(h.keyOf("work")))
}

func TestCallActivity(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(
		flow("child", serviceTask("work")),
		flow("parent", &model.Element{ID: "call", Type: model.ElementCallActivity, CalledProcessID: "child", PropagateAllChildVariables: true}, serviceTask("hold")),
	)
	pik := h.create("parent", map[string]any{"input": "x"})

	call := h.keyOf("call")
	child := h.keyOf("child")
	ei, err := h.e.State().Instances.Get(call)
	require.NoError(t, err)
	assert.Equal(t, child, ei.CalledChildInstanceKey)
	root, err := h.e.State().Instances.Get(child)
	require.NoError(t, err)
	assert.Equal(t, call, root.ParentElementInstanceKey)
	assert.Equal(t, pik, root.ParentProcessInstanceKey)
	assert.Equal(t, "x", h.variable(child, "input"))

	h.complete(h.keyOf("work"), map[string]any{"output": 5})

	assert.False(t, h.exists(child))
	assert.False(t, h.exists(call))
	assert.Equal(t, int64(5), h.variable(pik, "output"))
	assert.Equal(t, model.ElementActivated, h.stateOf(h.keyOf("hold")))
}

func TestCancelTerminatesCalledProcess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(
		flow("child", serviceTask("work")),
		flow("parent", &model.Element{ID: "call", Type: model.ElementCallActivity, CalledProcessID: "child"}),
	)
	pik := h.create("parent", nil)
	child := h.keyOf("child")

	pos := h.cancel(child)
	requireRejected(t, h.rejection(pos), errors.RejectionInvalidState)

	h.cancel(pik)
	order := make([]int64, 0, 4)
	for _, id := range []string{"work", "child", "call", "parent"} {
		evs := h.events(id, model.ElementTerminated)
		require.Len(t, evs, 1, id)
		order = append(order, evs[0].Position)
	}
	assert.IsIncreasing(t, order)
	assert.Zero(t, h.e.State().Instances.Len())
}

func TestMissingCalledProcessRaisesIncident(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deploy(flow("parent", &model.Element{ID: "call", Type: model.ElementCallActivity, CalledProcessID: "ghost"}))
	h.create("parent", nil)

	created := h.valueRecords(model.ValueIncident, model.Created)
	require.Len(t, created, 1)
	assert.Equal(t, errors.CalledElementError, created[0].Incident.ErrorType)
	assert.Equal(t, model.HookActivated, created[0].Incident.Hook)

	h.deploy(flow("ghost", serviceTask("boo")))
	h.submit(&model.Record{Key: created[0].Key, ValueType: model.ValueIncident, Intent: model.Resolve})
	assert.Equal(t, model.ElementActivated, h.stateOf(h.keyOf("boo")))
}
