package workflow

import (
	"context"
	"fmt"
	"slices"

	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/errors/keys"
)

// EventSubscriptionBehavior opens and closes the message and timer subscriptions of element
// instances and turns event triggers into element activations.
type EventSubscriptionBehavior struct {
	state       *state.State
	writer      *logstream.Writer
	expressions *ExpressionBehavior
	transitions *TransitionExecutor
}

// catchEvent is an event an element instance listens for.
type catchEvent struct {
	element      *model.Element
	interrupting bool
}

// catchEvents lists the events an element instance subscribes to: its own event for catch
// events and receive tasks, its boundary events and the start events of its event sub-processes.
func catchEvents(ec *ElementContext) ([]catchEvent, error) {
	p := ec.Process.Process
	var ret []catchEvent
	switch ec.Element.Type {
	case model.ElementIntermediateCatchEvent, model.ElementReceiveTask:
		if ec.Element.Event != nil {
			ret = append(ret, catchEvent{element: ec.Element})
		}
	}
	for _, id := range ec.Element.BoundaryEvents {
		el, err := p.Element(id)
		if err != nil {
			return nil, err
		}
		ret = append(ret, catchEvent{element: el, interrupting: el.Interrupting})
	}
	for _, id := range ec.Element.EventSubProcesses {
		start, err := eventSubProcessStart(p, id)
		if err != nil {
			return nil, err
		}
		if start.Event != nil {
			ret = append(ret, catchEvent{element: start, interrupting: start.Interrupting})
		}
	}
	return ret, nil
}

func eventSubProcessStart(p *model.Process, id string) (*model.Element, error) {
	esp, err := p.Element(id)
	if err != nil {
		return nil, err
	}
	if len(esp.StartEvents) == 0 {
		return nil, fmt.Errorf("event sub-process '%s' has no start event: %w", id, errors.ErrElementNotFound)
	}
	return p.Element(esp.StartEvents[0])
}

// SubscribeToEvents opens the subscriptions of an element instance. Correlation keys and due
// dates are all evaluated before any subscription is written.
func (b *EventSubscriptionBehavior) SubscribeToEvents(ctx context.Context, ec *ElementContext) error {
	events, err := catchEvents(ec)
	if err != nil {
		return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
	}
	var timers []*model.TimerValue
	var msgs []*model.MessageSubscriptionValue
	now := b.writer.Timestamp()
	for _, ce := range events {
		def := ce.element.Event
		switch def.Type {
		case model.EventTimer:
			due, reps, err := b.expressions.TimerDueDate(ctx, ec.Key(), def, now)
			if err != nil {
				return err
			}
			timers = append(timers, &model.TimerValue{
				ProcessDefinitionKey: ec.Instance.ProcessDefinitionKey,
				ProcessInstanceKey:   ec.ProcessInstanceKey(),
				ElementInstanceKey:   ec.Key(),
				TargetElementID:      ce.element.ID,
				DueDate:              due,
				Repetitions:          reps,
			})
		case model.EventMessage:
			corr, err := b.expressions.CorrelationKey(ctx, ec.Key(), def.CorrelationKey)
			if err != nil {
				return err
			}
			msgs = append(msgs, &model.MessageSubscriptionValue{
				MessageName:        def.MessageName,
				CorrelationKey:     corr,
				ProcessInstanceKey: ec.ProcessInstanceKey(),
				ElementInstanceKey: ec.Key(),
				ElementID:          ce.element.ID,
				Interrupting:       ce.interrupting,
			})
		}
	}
	for _, t := range timers {
		b.openTimer(t)
	}
	for _, m := range msgs {
		key := b.state.Keys.Next()
		b.state.Messages.Put(key, m)
		b.writer.Append(subscriptionEvent(key, model.Created, m))
	}
	return nil
}

func (b *EventSubscriptionBehavior) openTimer(t *model.TimerValue) int64 {
	key := b.state.Keys.Next()
	b.state.Timers.Put(key, t)
	b.writer.Append(timerEvent(key, model.Created, t))
	return key
}

// UnsubscribeFromEvents closes every subscription of an element instance.
func (b *EventSubscriptionBehavior) UnsubscribeFromEvents(ctx context.Context, ec *ElementContext) {
	b.unsubscribe(ctx, ec, func(string) bool { return true })
}

func (b *EventSubscriptionBehavior) unsubscribe(ctx context.Context, ec *ElementContext, match func(elementID string) bool) {
	for _, key := range b.state.Timers.ForElement(ec.Key()) {
		t, _ := b.state.Timers.Get(key)
		if !match(t.TargetElementID) {
			continue
		}
		b.state.Timers.Remove(key)
		b.writer.Append(timerEvent(key, model.Canceled, t))
	}
	for _, key := range b.state.Messages.ForElement(ec.Key()) {
		m, _ := b.state.Messages.Get(key)
		if !match(m.ElementID) {
			continue
		}
		b.state.Messages.Remove(key)
		b.writer.Append(subscriptionEvent(key, model.Deleted, m))
	}
	logx.FromContext(ctx).Debug("unsubscribed", ec.logAttrs()...)
}

// PublishTriggeredStartEvent activates the start event named by the oldest pending trigger of a
// container. It reports false when that trigger is not for one of the container's start events.
func (b *EventSubscriptionBehavior) PublishTriggeredStartEvent(ctx context.Context, ec *ElementContext) (bool, error) {
	trigger, ok := b.state.Triggers.Peek(ec.Key())
	if !ok || !slices.Contains(ec.Element.StartEvents, trigger.ElementID) {
		return false, nil
	}
	b.state.Triggers.Pop(ec.Key())
	start, err := ec.Process.Process.Element(trigger.ElementID)
	if err != nil {
		return false, &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
	}
	child, err := b.transitions.ActivateChildInstance(ctx, ec, start)
	if err != nil {
		return false, err
	}
	if len(trigger.Variables) > 0 {
		b.state.Variables.SetTemporaryVariables(child.Key, trigger.Variables)
	}
	return true, nil
}

// PublishTriggeredBoundaryEvent activates the interrupting boundary event that terminated an
// element, if one did. The boundary event is created before the element's token is consumed.
func (b *EventSubscriptionBehavior) PublishTriggeredBoundaryEvent(ctx context.Context, ec *ElementContext) error {
	trigger, ok := b.state.Triggers.Pop(ec.Key())
	if !ok || !slices.Contains(ec.Element.BoundaryEvents, trigger.ElementID) {
		return nil
	}
	boundary, err := ec.Process.Process.Element(trigger.ElementID)
	if err != nil {
		return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
	}
	if !boundary.Interrupting {
		return nil
	}
	scope, err := b.transitions.flowScope(ctx, ec)
	if err != nil {
		return err
	}
	if scope.Instance.State != model.ElementActivated || scope.Instance.Interrupted {
		return nil
	}
	return b.activateWithTrigger(ctx, scope, boundary, trigger)
}

// TriggerBoundaryEvent reacts to a boundary event of an activated element. An interrupting event
// terminates the element and is published once it has terminated; a non-interrupting event is
// activated next to it straight away.
func (b *EventSubscriptionBehavior) TriggerBoundaryEvent(ctx context.Context, boundary *model.Element, ec *ElementContext) error {
	trigger, _ := b.state.Triggers.Pop(ec.Key())
	if !boundary.Interrupting {
		scope, err := b.transitions.flowScope(ctx, ec)
		if err != nil {
			return err
		}
		return b.activateWithTrigger(ctx, scope, boundary, trigger)
	}
	b.state.Triggers.Clear(ec.Key())
	b.state.Triggers.Append(ec.Key(), *trigger)
	b.UnsubscribeFromEvents(ctx, ec)
	return b.transitions.TransitionToTerminating(ctx, ec)
}

// triggerEventSubProcess reacts to the start event of an event sub-process of a container.
// An interrupting event sub-process first terminates every other child of the container.
func (b *EventSubscriptionBehavior) triggerEventSubProcess(ctx context.Context, esp *model.Element, ec *ElementContext) error {
	trigger, _ := b.state.Triggers.Pop(ec.Key())
	start, err := eventSubProcessStart(ec.Process.Process, esp.ID)
	if err != nil {
		return &errors.BpmnProcessingError{ElementID: esp.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
	}
	if !start.Interrupting {
		child, err := b.transitions.ActivateChildInstance(ctx, ec, esp)
		if err != nil {
			return err
		}
		b.state.Triggers.Append(child.Key, *trigger)
		return nil
	}
	b.state.Triggers.Clear(ec.Key())
	b.state.Triggers.Append(ec.Key(), *trigger)
	ei, err := b.state.Instances.Modify(ec.Key(), func(ei *model.ElementInstance) {
		ei.Interrupted = true
	})
	if err != nil {
		return fmt.Errorf("interrupt %d: %w", ec.Key(), err)
	}
	ec.Instance = ei
	b.unsubscribe(ctx, ec, func(id string) bool { return !slices.Contains(ec.Element.BoundaryEvents, id) })
	if _, err := b.transitions.TerminateChildInstances(ctx, ec); err != nil {
		return err
	}
	if err := b.transitions.refresh(ec); err != nil {
		return err
	}
	if ec.Instance.ActivePaths == 0 {
		_, err := b.PublishTriggeredEventSubProcess(ctx, ec)
		return err
	}
	return nil
}

// PublishTriggeredEventSubProcess activates the interrupting event sub-process of a container
// once all its other children are gone. It reports false when no trigger is pending.
func (b *EventSubscriptionBehavior) PublishTriggeredEventSubProcess(ctx context.Context, ec *ElementContext) (bool, error) {
	trigger, ok := b.state.Triggers.Pop(ec.Key())
	if !ok {
		return false, nil
	}
	start, err := ec.Process.Process.Element(trigger.ElementID)
	if err != nil {
		return false, &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
	}
	esp, err := ec.Process.Process.Element(start.FlowScopeID)
	if err != nil || esp.Type != model.ElementEventSubProcess {
		return false, &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(),
			Msg: fmt.Sprintf("'%s' does not start an event sub-process", start.ID)}
	}
	child, err := b.transitions.ActivateChildInstance(ctx, ec, esp)
	if err != nil {
		return false, err
	}
	b.state.Triggers.Append(child.Key, *trigger)
	return true, nil
}

// OnEventOccurred routes the oldest pending trigger of an activated element to the boundary
// event or event sub-process it names.
func (b *EventSubscriptionBehavior) OnEventOccurred(ctx context.Context, ec *ElementContext) error {
	if ec.Instance.Interrupted {
		return nil
	}
	trigger, ok := b.state.Triggers.Peek(ec.Key())
	if !ok {
		return nil
	}
	el, err := ec.Process.Process.Element(trigger.ElementID)
	if err != nil {
		return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
	}
	if el.Type == model.ElementBoundaryEvent && slices.Contains(ec.Element.BoundaryEvents, el.ID) {
		return b.TriggerBoundaryEvent(ctx, el, ec)
	}
	if el.Type == model.ElementStartEvent && slices.Contains(ec.Element.EventSubProcesses, el.FlowScopeID) {
		esp, err := ec.Process.Process.Element(el.FlowScopeID)
		if err != nil {
			return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
		}
		return b.triggerEventSubProcess(ctx, esp, ec)
	}
	b.state.Triggers.Pop(ec.Key())
	logx.FromContext(ctx).Warn("dropped trigger for unknown event", append(ec.logAttrs(), "trigger", trigger.ElementID)...)
	return nil
}

func (b *EventSubscriptionBehavior) activateWithTrigger(ctx context.Context, scope *ElementContext, el *model.Element, trigger *state.EventTrigger) error {
	child, err := b.transitions.ActivateChildInstance(ctx, scope, el)
	if err != nil {
		return err
	}
	if trigger != nil && len(trigger.Variables) > 0 {
		b.state.Variables.SetTemporaryVariables(child.Key, trigger.Variables)
	}
	logx.FromContext(ctx).Debug("event activated", keys.ElementID, el.ID, keys.ElementInstanceKey, child.Key)
	return nil
}
