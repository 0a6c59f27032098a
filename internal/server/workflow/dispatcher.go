package workflow

import (
	"context"
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// ElementProcessor implements the lifecycle of one kind of element.
type ElementProcessor interface {
	OnActivating(ctx context.Context, ec *ElementContext) error
	OnActivated(ctx context.Context, ec *ElementContext) error
	OnCompleting(ctx context.Context, ec *ElementContext) error
	OnCompleted(ctx context.Context, ec *ElementContext) error
	OnTerminating(ctx context.Context, ec *ElementContext) error
	OnTerminated(ctx context.Context, ec *ElementContext) error
	OnEventOccurred(ctx context.Context, ec *ElementContext) error
}

// ContainerProcessor is an ElementProcessor for elements that own child instances.
// The child is nil when the path that ended was a sequence flow rather than an instance.
type ContainerProcessor interface {
	ElementProcessor
	OnChildCompleted(ctx context.Context, scope *ElementContext, child *model.ElementInstance) error
	OnChildTerminated(ctx context.Context, scope *ElementContext, child *model.ElementInstance) error
}

// childCompletionCollector is implemented by containers that need to see a child before its
// COMPLETED event is written.
type childCompletionCollector interface {
	beforeChildCompleted(ctx context.Context, scope *ElementContext, child *ElementContext) error
}

// Dispatcher routes lifecycle hooks to the processor registered for an element type.
type Dispatcher struct {
	state      *state.State
	processors map[model.ElementType]ElementProcessor
}

// NewDispatcher creates a dispatcher. Every executable element type must be registered, and
// types owning child instances must register a ContainerProcessor.
func NewDispatcher(st *state.State, processors map[model.ElementType]ElementProcessor) (*Dispatcher, error) {
	for _, t := range model.ElementTypes() {
		if t == model.ElementSequenceFlow {
			continue
		}
		p, ok := processors[t]
		if !ok || p == nil {
			return nil, &errors.ErrWorkflowFatal{Err: fmt.Errorf("no processor for %s: %w", t, errors.ErrUnregisteredElementType)}
		}
		if t.IsContainer() || t == model.ElementCallActivity {
			if _, ok := p.(ContainerProcessor); !ok {
				return nil, &errors.ErrWorkflowFatal{Err: fmt.Errorf("processor for %s does not handle children: %w", t, errors.ErrUnregisteredElementType)}
			}
		}
	}
	return &Dispatcher{state: st, processors: processors}, nil
}

// Context loads the definition an element instance runs.
func (d *Dispatcher) Context(ctx context.Context, ei *model.ElementInstance) (*ElementContext, error) {
	dp, err := d.state.Deployments.Get(ctx, ei.ProcessDefinitionKey)
	if err != nil {
		return nil, &errors.BpmnProcessingError{ElementID: ei.ElementID, ElementInstanceKey: ei.Key, Msg: err.Error()}
	}
	el, err := dp.Process.ElementFor(ei.ElementID, ei.ElementType)
	if err != nil {
		return nil, &errors.BpmnProcessingError{ElementID: ei.ElementID, ElementInstanceKey: ei.Key, Msg: err.Error()}
	}
	return &ElementContext{Process: dp, Element: el, Instance: ei}, nil
}

// Dispatch invokes a lifecycle hook. child is only used by the child notification hooks.
func (d *Dispatcher) Dispatch(ctx context.Context, hook model.LifecycleHook, ec *ElementContext, child *model.ElementInstance) error {
	p, err := d.processor(ec.Instance.ElementType)
	if err != nil {
		return err
	}
	switch hook {
	case model.HookActivating:
		return p.OnActivating(ctx, ec)
	case model.HookActivated:
		return p.OnActivated(ctx, ec)
	case model.HookCompleting:
		return p.OnCompleting(ctx, ec)
	case model.HookCompleted:
		return p.OnCompleted(ctx, ec)
	case model.HookTerminating:
		return p.OnTerminating(ctx, ec)
	case model.HookTerminated:
		return p.OnTerminated(ctx, ec)
	case model.HookEventOccurred:
		return p.OnEventOccurred(ctx, ec)
	case model.HookChildCompleted, model.HookChildTerminated:
		cp, ok := p.(ContainerProcessor)
		if !ok {
			return &errors.ErrWorkflowFatal{Err: fmt.Errorf("%s on %s: %w", hook, ec.Instance.ElementType, errors.ErrUnregisteredElementType)}
		}
		if hook == model.HookChildCompleted {
			return cp.OnChildCompleted(ctx, ec, child)
		}
		return cp.OnChildTerminated(ctx, ec, child)
	}
	return &errors.ErrWorkflowFatal{Err: fmt.Errorf("unknown lifecycle hook %d", hook)}
}

func (d *Dispatcher) processor(t model.ElementType) (ElementProcessor, error) {
	p, ok := d.processors[t]
	if !ok {
		return nil, &errors.ErrWorkflowFatal{Err: fmt.Errorf("%s: %w", t, errors.ErrUnregisteredElementType)}
	}
	return p, nil
}

// stateFor returns the lifecycle state in which a hook runs.
func stateFor(hook model.LifecycleHook) model.Intent {
	switch hook {
	case model.HookActivating:
		return model.ElementActivating
	case model.HookActivated, model.HookEventOccurred:
		return model.ElementActivated
	case model.HookCompleting:
		return model.ElementCompleting
	case model.HookCompleted:
		return model.ElementCompleted
	case model.HookTerminating:
		return model.ElementTerminating
	case model.HookTerminated:
		return model.ElementTerminated
	}
	return ""
}
