package workflow

import (
	"context"
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// ActivityProcessor runs tasks. A waiting task stays activated until a COMPLETE_ELEMENT command
// arrives, any other task completes as soon as it has activated.
type ActivityProcessor struct {
	b    *Behaviors
	wait bool
}

func (p *ActivityProcessor) OnActivating(ctx context.Context, ec *ElementContext) error {
	if err := p.b.Variables.ApplyInputMappings(ctx, ec); err != nil {
		return err
	}
	if err := p.b.Events.SubscribeToEvents(ctx, ec); err != nil {
		return err
	}
	return p.b.Transitions.TransitionToActivated(ctx, ec)
}

func (p *ActivityProcessor) OnActivated(ctx context.Context, ec *ElementContext) error {
	if p.wait {
		logx.FromContext(ctx).Debug("waiting for completion", ec.logAttrs()...)
		return nil
	}
	return p.b.Transitions.TransitionToCompleting(ctx, ec)
}

func (p *ActivityProcessor) OnCompleting(ctx context.Context, ec *ElementContext) error {
	return completingActivity(ctx, p.b, ec)
}

func (p *ActivityProcessor) OnCompleted(ctx context.Context, ec *ElementContext) error {
	return completeActivity(ctx, p.b, ec)
}

func (p *ActivityProcessor) OnTerminating(ctx context.Context, ec *ElementContext) error {
	return terminateLeaf(ctx, p.b, ec)
}

func (p *ActivityProcessor) OnTerminated(ctx context.Context, ec *ElementContext) error {
	return terminatedActivity(ctx, p.b, ec)
}

func (p *ActivityProcessor) OnEventOccurred(ctx context.Context, ec *ElementContext) error {
	return p.b.Events.OnEventOccurred(ctx, ec)
}

// CatchEventProcessor runs intermediate catch events and receive tasks, which complete when
// their own message or timer arrives.
type CatchEventProcessor struct {
	b *Behaviors
}

func (p *CatchEventProcessor) OnActivating(ctx context.Context, ec *ElementContext) error {
	if err := p.b.Variables.ApplyInputMappings(ctx, ec); err != nil {
		return err
	}
	if err := p.b.Events.SubscribeToEvents(ctx, ec); err != nil {
		return err
	}
	return p.b.Transitions.TransitionToActivated(ctx, ec)
}

func (p *CatchEventProcessor) OnActivated(_ context.Context, _ *ElementContext) error {
	return nil
}

func (p *CatchEventProcessor) OnCompleting(ctx context.Context, ec *ElementContext) error {
	return completingActivity(ctx, p.b, ec)
}

func (p *CatchEventProcessor) OnCompleted(ctx context.Context, ec *ElementContext) error {
	return completeActivity(ctx, p.b, ec)
}

func (p *CatchEventProcessor) OnTerminating(ctx context.Context, ec *ElementContext) error {
	return terminateLeaf(ctx, p.b, ec)
}

func (p *CatchEventProcessor) OnTerminated(ctx context.Context, ec *ElementContext) error {
	return terminatedActivity(ctx, p.b, ec)
}

// OnEventOccurred completes the element with the event's variables when the event is its own.
// Events of attached boundary events are routed as for any activity.
func (p *CatchEventProcessor) OnEventOccurred(ctx context.Context, ec *ElementContext) error {
	trigger, ok := p.b.state.Triggers.Peek(ec.Key())
	if !ok || trigger.ElementID != ec.Element.ID {
		return p.b.Events.OnEventOccurred(ctx, ec)
	}
	p.b.state.Triggers.Pop(ec.Key())
	if len(trigger.Variables) > 0 {
		p.b.state.Variables.SetTemporaryVariables(ec.Key(), trigger.Variables)
	}
	return p.b.Transitions.TransitionToCompleting(ctx, ec)
}

// EventProcessor runs start, end and boundary events, which pass straight through.
type EventProcessor struct {
	b *Behaviors
}

func (p *EventProcessor) OnActivating(ctx context.Context, ec *ElementContext) error {
	return p.b.Transitions.TransitionToActivated(ctx, ec)
}

func (p *EventProcessor) OnActivated(ctx context.Context, ec *ElementContext) error {
	return p.b.Transitions.TransitionToCompleting(ctx, ec)
}

func (p *EventProcessor) OnCompleting(ctx context.Context, ec *ElementContext) error {
	if err := p.b.Variables.ApplyOutputMappings(ctx, ec); err != nil {
		return err
	}
	return p.b.Transitions.TransitionToCompleted(ctx, ec)
}

func (p *EventProcessor) OnCompleted(ctx context.Context, ec *ElementContext) error {
	return completeActivity(ctx, p.b, ec)
}

func (p *EventProcessor) OnTerminating(ctx context.Context, ec *ElementContext) error {
	p.b.Incidents.ResolveIncidents(ctx, ec)
	return p.b.Transitions.TransitionToTerminated(ctx, ec)
}

func (p *EventProcessor) OnTerminated(ctx context.Context, ec *ElementContext) error {
	return p.b.Transitions.OnElementTerminated(ctx, ec)
}

func (p *EventProcessor) OnEventOccurred(_ context.Context, _ *ElementContext) error {
	return nil
}

// CallActivityProcessor runs call activities. The called process instance is a child of the
// call activity for termination and completion, but not for variables.
type CallActivityProcessor struct {
	b *Behaviors
}

func (p *CallActivityProcessor) OnActivating(ctx context.Context, ec *ElementContext) error {
	if err := p.b.Variables.ApplyInputMappings(ctx, ec); err != nil {
		return err
	}
	if err := p.b.Events.SubscribeToEvents(ctx, ec); err != nil {
		return err
	}
	return p.b.Transitions.TransitionToActivated(ctx, ec)
}

// OnActivated starts the latest version of the called process.
func (p *CallActivityProcessor) OnActivated(ctx context.Context, ec *ElementContext) error {
	id := ec.Element.CalledProcessID
	dp, err := p.b.state.Deployments.Latest(ctx, id)
	if err != nil {
		return errors.NewFailure(errors.CalledElementError, err, "called process '%s' of '%s' is not deployed", id, ec.Element.ID)
	}
	if dp.Process.Root().NoneStartEvent == "" {
		return errors.NewFailure(errors.CalledElementError, nil, "called process '%s' has no none start event", id)
	}
	_, err = p.b.Transitions.CreateChildProcessInstance(ctx, ec, dp)
	return err
}

func (p *CallActivityProcessor) OnCompleting(ctx context.Context, ec *ElementContext) error {
	return completingActivity(ctx, p.b, ec)
}

func (p *CallActivityProcessor) OnCompleted(ctx context.Context, ec *ElementContext) error {
	return completeActivity(ctx, p.b, ec)
}

// OnTerminating terminates the called process instance first, if it is still running.
func (p *CallActivityProcessor) OnTerminating(ctx context.Context, ec *ElementContext) error {
	p.b.Events.UnsubscribeFromEvents(ctx, ec)
	p.b.Incidents.ResolveIncidents(ctx, ec)
	key := ec.Instance.CalledChildInstanceKey
	if key == 0 {
		return p.b.Transitions.TransitionToTerminated(ctx, ec)
	}
	child, err := p.b.state.Instances.Get(key)
	if err != nil {
		return p.b.Transitions.TransitionToTerminated(ctx, ec)
	}
	if child.CanTerminate() {
		p.b.writer.Append(processInstanceCommand(key, model.TerminateElement, child.Value()))
	}
	return nil
}

func (p *CallActivityProcessor) OnTerminated(ctx context.Context, ec *ElementContext) error {
	return terminatedActivity(ctx, p.b, ec)
}

func (p *CallActivityProcessor) OnEventOccurred(ctx context.Context, ec *ElementContext) error {
	return p.b.Events.OnEventOccurred(ctx, ec)
}

// OnChildCompleted completes the call activity with the variables of the called process.
func (p *CallActivityProcessor) OnChildCompleted(ctx context.Context, scope *ElementContext, child *model.ElementInstance) error {
	if scope.Element.PropagateAllChildVariables || len(scope.Element.OutputMappings) > 0 {
		doc, err := p.b.state.Variables.GetLocalVariablesAsDocument(child.Key)
		if err != nil {
			return fmt.Errorf("read variables of called process %d: %w", child.Key, err)
		}
		p.b.state.Variables.SetTemporaryVariables(scope.Key(), doc)
	}
	if err := p.unlink(scope); err != nil {
		return err
	}
	return p.b.Transitions.TransitionToCompleting(ctx, scope)
}

func (p *CallActivityProcessor) OnChildTerminated(ctx context.Context, scope *ElementContext, _ *model.ElementInstance) error {
	if err := p.unlink(scope); err != nil {
		return err
	}
	if scope.Instance.State == model.ElementTerminating {
		return p.b.Transitions.TransitionToTerminated(ctx, scope)
	}
	return nil
}

func (p *CallActivityProcessor) unlink(scope *ElementContext) error {
	ei, err := p.b.state.Instances.Modify(scope.Key(), func(ei *model.ElementInstance) {
		ei.CalledChildInstanceKey = 0
	})
	if err != nil {
		return fmt.Errorf("unlink called process of %d: %w", scope.Key(), err)
	}
	scope.Instance = ei
	return nil
}

// completingActivity merges the result of an activity into its scope and closes its
// subscriptions.
func completingActivity(ctx context.Context, b *Behaviors, ec *ElementContext) error {
	if err := b.Variables.ApplyOutputMappings(ctx, ec); err != nil {
		return err
	}
	b.Events.UnsubscribeFromEvents(ctx, ec)
	return b.Transitions.TransitionToCompleted(ctx, ec)
}

func terminateLeaf(ctx context.Context, b *Behaviors, ec *ElementContext) error {
	b.Events.UnsubscribeFromEvents(ctx, ec)
	b.Incidents.ResolveIncidents(ctx, ec)
	return b.Transitions.TransitionToTerminated(ctx, ec)
}
