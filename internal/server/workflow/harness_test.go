package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

type harness struct {
	t   *testing.T
	ctx context.Context
	log *logstream.MemoryLog
	e   *Engine
	now time.Time
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:   t,
		ctx: context.Background(),
		log: logstream.NewMemoryLog(),
		now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	e, err := New(WithLog(h.log), WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)
	h.e = e
	return h
}

// submit appends a command and processes the log to its end.
func (h *harness) submit(rec *model.Record) int64 {
	rec.RecordType = model.RecordCommand
	pos, err := h.e.Submit(h.ctx, rec)
	require.NoError(h.t, err)
	require.NoError(h.t, h.e.Run(h.ctx))
	return pos
}

func (h *harness) deploy(processes ...*model.Process) []*model.DeployedProcess {
	dv := &model.DeploymentValue{}
	for _, p := range processes {
		dv.Processes = append(dv.Processes, &model.DeployedProcess{Process: p})
	}
	pos := h.submit(&model.Record{ValueType: model.ValueDeployment, Intent: model.Create, Deployment: dv})
	rec := h.followUp(pos, model.ValueDeployment, model.Created)
	return rec.Deployment.Processes
}

func (h *harness) create(bpid string, vars map[string]any) int64 {
	pos := h.submit(&model.Record{
		ValueType: model.ValueProcessInstanceCreation,
		Intent:    model.Create,
		Creation:  &model.ProcessInstanceCreationValue{BpmnProcessID: bpid, Variables: h.doc(vars)},
	})
	return h.followUp(pos, model.ValueProcessInstanceCreation, model.Created).Key
}

func (h *harness) complete(key int64, vars map[string]any) int64 {
	return h.submit(&model.Record{
		Key:             key,
		ValueType:       model.ValueProcessInstance,
		Intent:          model.CompleteElement,
		ProcessInstance: &model.ProcessInstanceValue{Variables: h.doc(vars)},
	})
}

func (h *harness) cancel(pik int64) int64 {
	return h.submit(&model.Record{Key: pik, ValueType: model.ValueProcessInstance, Intent: model.Cancel})
}

func (h *harness) publish(name string, correlationKey string, vars map[string]any) int64 {
	return h.submit(&model.Record{
		ValueType: model.ValueMessage,
		Intent:    model.Publish,
		Message:   &model.MessageValue{Name: name, CorrelationKey: correlationKey, Variables: h.doc(vars)},
	})
}

// advance moves the clock on and fires every timer due by then.
func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	for _, rec := range h.e.DueTimers(h.now) {
		h.submit(rec)
	}
}

func (h *harness) doc(vars map[string]any) []byte {
	if vars == nil {
		return nil
	}
	b, err := document.EncodeMap(vars)
	require.NoError(h.t, err)
	return b
}

func (h *harness) records() []*model.Record {
	recs, err := h.log.Records()
	require.NoError(h.t, err)
	return recs
}

func (h *harness) followUps(pos int64) []*model.Record {
	var ret []*model.Record
	for _, r := range h.records() {
		if r.SourcePosition == pos {
			ret = append(ret, r)
		}
	}
	return ret
}

func (h *harness) followUp(pos int64, vt model.ValueType, intent model.Intent) *model.Record {
	for _, r := range h.followUps(pos) {
		if r.ValueType == vt && r.Intent == intent {
			return r
		}
	}
	require.Failf(h.t, "missing follow-up", "%s %s of record %d", vt, intent, pos)
	return nil
}

func (h *harness) rejection(pos int64) *model.Record {
	for _, r := range h.followUps(pos) {
		if r.RecordType == model.RecordRejection {
			return r
		}
	}
	require.Failf(h.t, "missing rejection", "record %d was not rejected", pos)
	return nil
}

// events returns the process instance events of an element in log order.
func (h *harness) events(elementID string, intent model.Intent) []*model.Record {
	return h.eventsOf(elementID, "", intent)
}

// eventsOf narrows events to one element type. A multi-instance body and its children share
// the element id and differ only in type. An empty type matches any.
func (h *harness) eventsOf(elementID string, t model.ElementType, intent model.Intent) []*model.Record {
	var ret []*model.Record
	for _, r := range h.records() {
		if r.RecordType == model.RecordEvent && r.ValueType == model.ValueProcessInstance &&
			r.Intent == intent && r.ProcessInstance.ElementID == elementID &&
			(t == "" || r.ProcessInstance.ElementType == t) {
			ret = append(ret, r)
		}
	}
	return ret
}

func (h *harness) count(elementID string, intent model.Intent) int {
	return len(h.events(elementID, intent))
}

func (h *harness) countOf(elementID string, t model.ElementType, intent model.Intent) int {
	return len(h.eventsOf(elementID, t, intent))
}

// keyOf returns the key of the most recently activated instance of an element.
func (h *harness) keyOf(elementID string) int64 {
	return h.keyOfType(elementID, "")
}

func (h *harness) keyOfType(elementID string, t model.ElementType) int64 {
	evs := h.eventsOf(elementID, t, model.ElementActivating)
	require.NotEmpty(h.t, evs, "element %s was never activated", elementID)
	return evs[len(evs)-1].Key
}

func (h *harness) stateOf(key int64) model.Intent {
	ei, err := h.e.State().Instances.Get(key)
	require.NoError(h.t, err)
	return ei.State
}

func (h *harness) exists(key int64) bool {
	return h.e.State().Instances.Exists(key)
}

func (h *harness) variable(scope int64, name string) any {
	b, ok := h.e.State().Variables.GetVariable(scope, name)
	require.True(h.t, ok, "variable %s is not visible from %d", name, scope)
	v, err := document.Decode(b)
	require.NoError(h.t, err)
	return v
}

func (h *harness) valueRecords(vt model.ValueType, intent model.Intent) []*model.Record {
	var ret []*model.Record
	for _, r := range h.records() {
		if r.RecordType == model.RecordEvent && r.ValueType == vt && r.Intent == intent {
			ret = append(ret, r)
		}
	}
	return ret
}

func requireRejected(t *testing.T, rec *model.Record, rt errors.RejectionType) {
	t.Helper()
	require.Equal(t, model.RecordRejection, rec.RecordType)
	require.Equal(t, rt, rec.RejectionType, rec.RejectionReason)
}

// flow builds a process whose elements run one after another between a none start event and
// an end event.
func flow(id string, els ...*model.Element) *model.Process {
	p := model.NewProcess(id)
	p.Add(&model.Element{ID: "start", Type: model.ElementStartEvent})
	prev := "start"
	for _, el := range els {
		p.Add(el)
		p.Connect(prev+"_"+el.ID, prev, el.ID)
		prev = el.ID
	}
	p.Add(&model.Element{ID: "end", Type: model.ElementEndEvent})
	p.Connect(prev+"_end", prev, "end")
	return p
}

func serviceTask(id string) *model.Element {
	return &model.Element{ID: id, Type: model.ElementServiceTask}
}

func messageEvent(name string, correlationKey string) *model.EventDefinition {
	return &model.EventDefinition{Type: model.EventMessage, MessageName: name, CorrelationKey: correlationKey}
}
