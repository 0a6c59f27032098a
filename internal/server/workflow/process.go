package workflow

import (
	"context"
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// ProcessProcessor runs process instances.
type ProcessProcessor struct {
	b *Behaviors
}

// OnActivating opens the event sub-process subscriptions of the process.
func (p *ProcessProcessor) OnActivating(ctx context.Context, ec *ElementContext) error {
	if err := p.b.Events.SubscribeToEvents(ctx, ec); err != nil {
		return err
	}
	return p.b.Transitions.TransitionToActivated(ctx, ec)
}

// OnActivated starts the process at the start event that triggered it, or at its none start event.
func (p *ProcessProcessor) OnActivated(ctx context.Context, ec *ElementContext) error {
	published, err := p.b.Events.PublishTriggeredStartEvent(ctx, ec)
	if err != nil || published {
		return err
	}
	if ec.Element.NoneStartEvent == "" {
		return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: "process has no none start event"}
	}
	start, err := ec.Process.Process.Element(ec.Element.NoneStartEvent)
	if err != nil {
		return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
	}
	_, err = p.b.Transitions.ActivateChildInstance(ctx, ec, start)
	return err
}

func (p *ProcessProcessor) OnCompleting(ctx context.Context, ec *ElementContext) error {
	p.b.Events.UnsubscribeFromEvents(ctx, ec)
	return p.b.Transitions.TransitionToCompleted(ctx, ec)
}

// OnCompleted reports the outcome to the caller, if any, and removes the instance.
func (p *ProcessProcessor) OnCompleted(ctx context.Context, ec *ElementContext) error {
	if err := p.b.Transitions.OnCalledProcessCompleted(ctx, ec); err != nil {
		return err
	}
	if req, ok := p.b.state.Results.Take(ec.Key()); ok {
		doc, err := p.b.state.Variables.GetLocalVariablesAsDocument(ec.Key())
		if err != nil {
			return fmt.Errorf("read result of %d: %w", ec.Key(), err)
		}
		p.b.writeResult(ec.Instance, model.Completed, req, doc, "")
	}
	if err := p.b.releaseMessageStart(ctx, ec.Key(), ec.Instance.BpmnProcessID); err != nil {
		return err
	}
	p.b.Transitions.RemoveInstance(ec.Key())
	logx.FromContext(ctx).Info("process instance completed", ec.logAttrs()...)
	return nil
}

func (p *ProcessProcessor) OnTerminating(ctx context.Context, ec *ElementContext) error {
	p.b.Events.UnsubscribeFromEvents(ctx, ec)
	if _, err := p.b.Transitions.TerminateChildInstances(ctx, ec); err != nil {
		return err
	}
	if err := p.b.Transitions.refresh(ec); err != nil {
		return err
	}
	if ec.Instance.ActivePaths == 0 {
		return p.b.Transitions.TransitionToTerminated(ctx, ec)
	}
	return nil
}

func (p *ProcessProcessor) OnTerminated(ctx context.Context, ec *ElementContext) error {
	if err := p.b.Transitions.OnCalledProcessTerminated(ctx, ec); err != nil {
		return err
	}
	if req, ok := p.b.state.Results.Take(ec.Key()); ok {
		p.b.writeResult(ec.Instance, model.Rejected, req, nil, "process instance was terminated")
	}
	if err := p.b.releaseMessageStart(ctx, ec.Key(), ec.Instance.BpmnProcessID); err != nil {
		return err
	}
	p.b.Incidents.ResolveIncidents(ctx, ec)
	p.b.Transitions.RemoveInstance(ec.Key())
	logx.FromContext(ctx).Info("process instance terminated", ec.logAttrs()...)
	return nil
}

func (p *ProcessProcessor) OnEventOccurred(ctx context.Context, ec *ElementContext) error {
	return p.b.Events.OnEventOccurred(ctx, ec)
}

func (p *ProcessProcessor) OnChildCompleted(ctx context.Context, scope *ElementContext, _ *model.ElementInstance) error {
	return p.b.childDone(ctx, scope, p.b.Transitions.TransitionToTerminated)
}

func (p *ProcessProcessor) OnChildTerminated(ctx context.Context, scope *ElementContext, _ *model.ElementInstance) error {
	return p.b.childDone(ctx, scope, p.b.Transitions.TransitionToTerminated)
}
