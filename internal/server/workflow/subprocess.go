package workflow

import (
	"context"

	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// SubProcessProcessor runs embedded and event sub-processes.
type SubProcessProcessor struct {
	b *Behaviors
}

func (p *SubProcessProcessor) OnActivating(ctx context.Context, ec *ElementContext) error {
	if err := p.b.Variables.ApplyInputMappings(ctx, ec); err != nil {
		return err
	}
	if err := p.b.Events.SubscribeToEvents(ctx, ec); err != nil {
		return err
	}
	return p.b.Transitions.TransitionToActivated(ctx, ec)
}

// OnActivated starts an event sub-process at the start event that triggered it and an embedded
// sub-process at its none start event.
func (p *SubProcessProcessor) OnActivated(ctx context.Context, ec *ElementContext) error {
	if ec.Element.Type == model.ElementEventSubProcess {
		published, err := p.b.Events.PublishTriggeredStartEvent(ctx, ec)
		if err != nil {
			return err
		}
		if !published {
			return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: "event sub-process activated without a trigger"}
		}
		return nil
	}
	if ec.Element.NoneStartEvent == "" {
		return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: "sub-process has no none start event"}
	}
	start, err := ec.Process.Process.Element(ec.Element.NoneStartEvent)
	if err != nil {
		return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
	}
	_, err = p.b.Transitions.ActivateChildInstance(ctx, ec, start)
	return err
}

func (p *SubProcessProcessor) OnCompleting(ctx context.Context, ec *ElementContext) error {
	return completingActivity(ctx, p.b, ec)
}

func (p *SubProcessProcessor) OnCompleted(ctx context.Context, ec *ElementContext) error {
	return completeActivity(ctx, p.b, ec)
}

func (p *SubProcessProcessor) OnTerminating(ctx context.Context, ec *ElementContext) error {
	return terminateContainer(ctx, p.b, ec)
}

func (p *SubProcessProcessor) OnTerminated(ctx context.Context, ec *ElementContext) error {
	return terminatedActivity(ctx, p.b, ec)
}

func (p *SubProcessProcessor) OnEventOccurred(ctx context.Context, ec *ElementContext) error {
	return p.b.Events.OnEventOccurred(ctx, ec)
}

func (p *SubProcessProcessor) OnChildCompleted(ctx context.Context, scope *ElementContext, _ *model.ElementInstance) error {
	return p.b.childDone(ctx, scope, p.b.Transitions.TransitionToTerminated)
}

func (p *SubProcessProcessor) OnChildTerminated(ctx context.Context, scope *ElementContext, _ *model.ElementInstance) error {
	return p.b.childDone(ctx, scope, p.b.Transitions.TransitionToTerminated)
}

// completeActivity takes the outgoing flows of a completed activity and hands its token back
// to the enclosing scope.
func completeActivity(ctx context.Context, b *Behaviors, ec *ElementContext) error {
	if err := b.Transitions.TakeOutgoingSequenceFlows(ctx, ec); err != nil {
		return err
	}
	return b.Transitions.OnElementCompleted(ctx, ec)
}

// terminateContainer terminates the children of a container and finishes at once when it
// has none left.
func terminateContainer(ctx context.Context, b *Behaviors, ec *ElementContext) error {
	b.Events.UnsubscribeFromEvents(ctx, ec)
	if _, err := b.Transitions.TerminateChildInstances(ctx, ec); err != nil {
		return err
	}
	if err := b.Transitions.refresh(ec); err != nil {
		return err
	}
	if ec.Instance.ActivePaths > 0 {
		return nil
	}
	b.Incidents.ResolveIncidents(ctx, ec)
	return b.Transitions.TransitionToTerminated(ctx, ec)
}

// terminatedActivity publishes the interrupting boundary event that terminated an activity and
// hands its token back to the enclosing scope.
func terminatedActivity(ctx context.Context, b *Behaviors, ec *ElementContext) error {
	if err := b.Events.PublishTriggeredBoundaryEvent(ctx, ec); err != nil {
		return err
	}
	return b.Transitions.OnElementTerminated(ctx, ec)
}
