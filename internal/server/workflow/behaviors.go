package workflow

import (
	"context"
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors/keys"
)

// Behaviors bundles the shared operations available to element processors.
type Behaviors struct {
	state       *state.State
	writer      *logstream.Writer
	Transitions *TransitionExecutor
	Variables   *VariableMappingBehavior
	Expressions *ExpressionBehavior
	Events      *EventSubscriptionBehavior
	Incidents   *IncidentBehavior
}

// childDone ends a container once its last execution path has ended. A terminating container
// calls terminate. An activated container that was interrupted by an event sub-process starts
// it now, and otherwise completes.
func (b *Behaviors) childDone(ctx context.Context, ec *ElementContext, terminate func(context.Context, *ElementContext) error) error {
	if err := b.Transitions.refresh(ec); err != nil {
		return err
	}
	if ec.Instance.ActivePaths > 0 {
		return nil
	}
	switch ec.Instance.State {
	case model.ElementTerminating:
		return terminate(ctx, ec)
	case model.ElementActivated:
		if ec.Instance.Interrupted {
			published, err := b.Events.PublishTriggeredEventSubProcess(ctx, ec)
			if err != nil || published {
				return err
			}
		}
		return b.Transitions.TransitionToCompleting(ctx, ec)
	}
	return nil
}

// startInstance creates a process instance of dp started at start. The start event runs with
// the trigger's variables once the process has activated.
func (b *Behaviors) startInstance(ctx context.Context, dp *model.DeployedProcess, start *model.Element, eventKey int64, vars []byte) (int64, error) {
	pik := b.state.Keys.Next()
	if err := b.state.Variables.CreateScope(pik, 0, pik); err != nil {
		return 0, fmt.Errorf("create process scope: %w", err)
	}
	b.state.Triggers.Append(pik, state.EventTrigger{ElementID: start.ID, Variables: vars, EventKey: eventKey})
	b.writer.Append(processInstanceCommand(pik, model.ActivateElement, &model.ProcessInstanceValue{
		BpmnProcessID:        dp.BpmnProcessID,
		Version:              dp.Version,
		ProcessDefinitionKey: dp.Key,
		ProcessInstanceKey:   pik,
		ElementID:            dp.Process.ID,
		ElementType:          model.ElementProcess,
	}))
	logx.FromContext(ctx).Debug("start process instance", keys.BpmnProcessID, dp.BpmnProcessID, keys.ProcessInstanceKey, pik, keys.ElementID, start.ID)
	return pik, nil
}

// writeResult answers the request awaiting the outcome of a process instance.
func (b *Behaviors) writeResult(root *model.ElementInstance, intent model.Intent, requestID string, vars []byte, reason string) {
	b.writer.Append(&model.Record{
		Key:        root.Key,
		RecordType: model.RecordEvent,
		ValueType:  model.ValueProcessInstanceResult,
		Intent:     intent,
		RequestID:  requestID,
		Result: &model.ProcessInstanceResultValue{
			BpmnProcessID:        root.BpmnProcessID,
			ProcessDefinitionKey: root.ProcessDefinitionKey,
			ProcessInstanceKey:   root.Key,
			Variables:            vars,
			Reason:               reason,
		},
	})
}

// releaseMessageStart frees the correlation key held by an instance started by a message and
// starts the next instance for a message buffered behind it.
func (b *Behaviors) releaseMessageStart(ctx context.Context, pik int64, bpid string) error {
	lk, ok := b.state.Messages.Unlock(pik)
	if !ok {
		return nil
	}
	msg, ok := b.state.Messages.PopBuffered(lk)
	if !ok {
		return nil
	}
	log := logx.FromContext(ctx)
	dp, err := b.state.Deployments.Latest(ctx, bpid)
	if err != nil {
		log.Warn("dropped buffered message", keys.BpmnProcessID, bpid, keys.MessageName, msg.Name, "error", err)
		return nil
	}
	start := messageStartEvent(dp.Process, msg.Name)
	if start == nil {
		log.Warn("dropped buffered message", keys.BpmnProcessID, bpid, keys.MessageName, msg.Name)
		return nil
	}
	next, err := b.startInstance(ctx, dp, start, b.state.Keys.Next(), msg.Variables)
	if err != nil {
		return err
	}
	b.state.Messages.Lock(bpid, msg.CorrelationKey, next)
	return nil
}

// messageStartEvent returns the message start event of a process listening for name.
func messageStartEvent(p *model.Process, name string) *model.Element {
	for _, id := range p.Root().StartEvents {
		el := p.Elements[id]
		if el != nil && el.Event != nil && el.Event.Type == model.EventMessage && el.Event.MessageName == name {
			return el
		}
	}
	return nil
}

// timerStartEvents returns the timer start events of a process.
func timerStartEvents(p *model.Process) []*model.Element {
	var ret []*model.Element
	for _, id := range p.Root().StartEvents {
		el := p.Elements[id]
		if el != nil && el.Event != nil && el.Event.Type == model.EventTimer {
			ret = append(ret, el)
		}
	}
	return ret
}
