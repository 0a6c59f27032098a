package workflow

import (
	"context"
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/errors/keys"
)

// LoopCounterVariable is the local variable holding the 1-based index of a multi-instance child.
const LoopCounterVariable = "loopCounter"

// Completion condition variables.
const (
	numberOfInstances          = "numberOfInstances"
	numberOfActiveInstances    = "numberOfActiveInstances"
	numberOfCompletedInstances = "numberOfCompletedInstances"
)

// MultiInstanceBodyProcessor runs the body that repeats a multi-instance activity once per item
// of its input collection, one at a time or all at once.
type MultiInstanceBodyProcessor struct {
	b *Behaviors
}

// OnActivating checks that the input collection can be read before the body is activated.
func (p *MultiInstanceBodyProcessor) OnActivating(ctx context.Context, ec *ElementContext) error {
	if _, err := p.b.Expressions.InputCollection(ctx, ec); err != nil {
		return err
	}
	if err := p.b.Events.SubscribeToEvents(ctx, ec); err != nil {
		return err
	}
	return p.b.Transitions.TransitionToActivated(ctx, ec)
}

// OnActivated fixes the input cardinality and spawns the first child, or every child of a
// parallel loop. An empty collection completes the body straight away.
func (p *MultiInstanceBodyProcessor) OnActivated(ctx context.Context, ec *ElementContext) error {
	items, err := p.b.Expressions.InputCollection(ctx, ec)
	if err != nil {
		return err
	}
	ei, err := p.b.state.Instances.Modify(ec.Key(), func(ei *model.ElementInstance) {
		ei.InputCardinality = int64(len(items))
	})
	if err != nil {
		return fmt.Errorf("set input cardinality of %d: %w", ec.Key(), err)
	}
	ec.Instance = ei
	loop := ec.Element.Loop
	if loop.OutputCollection != "" {
		arr, err := document.NilArray(len(items))
		if err != nil {
			return fmt.Errorf("create output collection: %w", err)
		}
		if err := p.b.state.Variables.SetVariableLocal(ec.Key(), loop.OutputCollection, arr); err != nil {
			return fmt.Errorf("create output collection: %w", err)
		}
	}
	if len(items) == 0 {
		return p.b.Transitions.TransitionToCompleting(ctx, ec)
	}
	if loop.IsSequential {
		return p.spawn(ctx, ec, items[0])
	}
	for _, item := range items {
		if err := p.spawn(ctx, ec, item); err != nil {
			return err
		}
	}
	return nil
}

// spawn activates the next child with its input element and loop counter.
func (p *MultiInstanceBodyProcessor) spawn(ctx context.Context, ec *ElementContext, item []byte) error {
	inner, err := ec.Process.Process.InnerActivity(ec.Element)
	if err != nil {
		return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
	}
	child, err := p.b.Transitions.ActivateChildInstance(ctx, ec, inner)
	if err != nil {
		return err
	}
	counter, err := p.b.state.Instances.IncrementLoopCounter(ec.Key())
	if err != nil {
		return fmt.Errorf("increment loop counter of %d: %w", ec.Key(), err)
	}
	if err := p.b.Transitions.refresh(ec); err != nil {
		return err
	}
	loop := ec.Element.Loop
	vars := p.b.state.Variables
	if loop.InputElement != "" {
		if err := vars.SetVariableLocal(child.Key, loop.InputElement, item); err != nil {
			return fmt.Errorf("set input element: %w", err)
		}
	}
	if root, ok := expression.VariablePath(loop.OutputElement); ok && root != loop.InputElement {
		if err := vars.SetVariableLocal(child.Key, root, document.Nil); err != nil {
			return fmt.Errorf("set output element: %w", err)
		}
	}
	lc, err := document.Encode(counter)
	if err != nil {
		return fmt.Errorf("encode loop counter: %w", err)
	}
	if err := vars.SetVariableLocal(child.Key, LoopCounterVariable, lc); err != nil {
		return fmt.Errorf("set loop counter: %w", err)
	}
	logx.FromContext(ctx).Debug("spawned multi-instance child", keys.ElementID, ec.Element.ID, keys.ElementInstanceKey, child.Key, keys.LoopCounter, counter)
	return nil
}

// beforeChildCompleted collects the output element of a completing child and evaluates the
// completion condition. Both are evaluated before either is written.
func (p *MultiInstanceBodyProcessor) beforeChildCompleted(ctx context.Context, scope *ElementContext, child *ElementContext) error {
	loop := scope.Element.Loop
	if loop.OutputCollection == "" && loop.CompletionCondition == "" {
		return nil
	}
	vars := p.b.state.Variables
	var collection []byte
	if loop.OutputCollection != "" {
		counter, err := p.loopCounter(child)
		if err != nil {
			return err
		}
		out, err := p.b.Expressions.OutputElement(ctx, child.Key(), loop.OutputElement)
		if err != nil {
			return err
		}
		cur, ok := vars.GetVariableLocal(scope.Key(), loop.OutputCollection)
		if !ok {
			return errors.NewFailure(errors.ExtractValueError, nil, "output collection '%s' of '%s' is missing", loop.OutputCollection, scope.Element.ID)
		}
		collection, err = document.SpliceArrayElement(cur, int(counter-1), out)
		if err != nil {
			return errors.NewFailure(errors.ExtractValueError, err, "write element %d of output collection '%s'", counter, loop.OutputCollection)
		}
	}
	fulfilled := false
	if loop.CompletionCondition != "" {
		active := int64(0)
		for _, c := range p.b.state.Instances.Children(scope.Key()) {
			if c.Key != child.Key() && !c.IsTerminal() {
				active++
			}
		}
		var err error
		fulfilled, err = p.b.Expressions.CompletionCondition(ctx, child.Key(), loop.CompletionCondition, map[string]any{
			numberOfInstances:          scope.Instance.InputCardinality,
			numberOfActiveInstances:    active,
			numberOfCompletedInstances: scope.Instance.LoopCounter - active,
		})
		if err != nil {
			return err
		}
	}
	if collection != nil {
		if err := vars.SetVariableLocal(scope.Key(), loop.OutputCollection, collection); err != nil {
			return fmt.Errorf("store output collection: %w", err)
		}
	}
	if fulfilled {
		ei, err := p.b.state.Instances.Modify(scope.Key(), func(ei *model.ElementInstance) {
			ei.CompletionConditionFulfilled = true
		})
		if err != nil {
			return fmt.Errorf("record completion condition: %w", err)
		}
		scope.Instance = ei
	}
	return nil
}

func (p *MultiInstanceBodyProcessor) loopCounter(child *ElementContext) (int64, error) {
	b, ok := p.b.state.Variables.GetVariableLocal(child.Key(), LoopCounterVariable)
	if !ok {
		return 0, errors.NewFailure(errors.ExtractValueError, nil, "child %d has no loop counter", child.Key())
	}
	v, err := document.Decode(b)
	if err != nil {
		return 0, fmt.Errorf("decode loop counter: %w", err)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	}
	return 0, errors.NewFailure(errors.ExtractValueError, nil, "loop counter of %d is %T", child.Key(), v)
}

// OnChildCompleted spawns the next child of a sequential loop, or completes the body once no
// child is left. A fulfilled completion condition terminates the remaining children.
func (p *MultiInstanceBodyProcessor) OnChildCompleted(ctx context.Context, scope *ElementContext, _ *model.ElementInstance) error {
	if err := p.b.Transitions.refresh(scope); err != nil {
		return err
	}
	if scope.Instance.State != model.ElementActivated {
		return nil
	}
	ei := scope.Instance
	switch {
	case ei.CompletionConditionFulfilled:
		if _, err := p.b.Transitions.TerminateChildInstances(ctx, scope); err != nil {
			return err
		}
		if err := p.b.Transitions.refresh(scope); err != nil {
			return err
		}
	case scope.Element.Loop.IsSequential && ei.LoopCounter < ei.InputCardinality:
		items, err := p.b.Expressions.InputCollection(ctx, scope)
		if err != nil {
			return err
		}
		if int64(len(items)) != ei.InputCardinality {
			return errors.NewFailure(errors.ExtractValueError, nil,
				"input collection of '%s' changed size from %d to %d", scope.Element.ID, ei.InputCardinality, len(items))
		}
		return p.spawn(ctx, scope, items[ei.LoopCounter])
	}
	if scope.Instance.ActivePaths == 0 {
		return p.b.Transitions.TransitionToCompleting(ctx, scope)
	}
	return nil
}

func (p *MultiInstanceBodyProcessor) OnChildTerminated(ctx context.Context, scope *ElementContext, _ *model.ElementInstance) error {
	return p.b.childDone(ctx, scope, p.b.Transitions.TransitionToTerminated)
}

// OnCompleting hands the output collection to the enclosing scope.
func (p *MultiInstanceBodyProcessor) OnCompleting(ctx context.Context, ec *ElementContext) error {
	p.b.Events.UnsubscribeFromEvents(ctx, ec)
	if name := ec.Element.Loop.OutputCollection; name != "" {
		arr, ok := p.b.state.Variables.GetVariableLocal(ec.Key(), name)
		if !ok {
			arr = document.Nil
		}
		target := ec.FlowScopeKey()
		if target == 0 {
			target = ec.Key()
		}
		if err := p.b.state.Variables.SetVariable(target, name, arr); err != nil {
			return fmt.Errorf("propagate output collection: %w", err)
		}
	}
	return p.b.Transitions.TransitionToCompleted(ctx, ec)
}

func (p *MultiInstanceBodyProcessor) OnCompleted(ctx context.Context, ec *ElementContext) error {
	return completeActivity(ctx, p.b, ec)
}

func (p *MultiInstanceBodyProcessor) OnTerminating(ctx context.Context, ec *ElementContext) error {
	return terminateContainer(ctx, p.b, ec)
}

func (p *MultiInstanceBodyProcessor) OnTerminated(ctx context.Context, ec *ElementContext) error {
	return terminatedActivity(ctx, p.b, ec)
}

func (p *MultiInstanceBodyProcessor) OnEventOccurred(ctx context.Context, ec *ElementContext) error {
	return p.b.Events.OnEventOccurred(ctx, ec)
}
