package workflow

import (
	"context"
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/errors/keys"
)

// TransitionExecutor moves element instances through their lifecycle. Every transition is
// checked against the recorded state, stored in the directory and written to the log.
type TransitionExecutor struct {
	state      *state.State
	writer     *logstream.Writer
	dispatcher *Dispatcher
	incidents  *IncidentBehavior
}

func (t *TransitionExecutor) transition(ec *ElementContext, to model.Intent) error {
	cur, err := t.state.Instances.Get(ec.Instance.Key)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	if !model.CanTransition(cur.State, to) {
		return &errors.ErrWorkflowFatal{Err: fmt.Errorf("element '%s' (%d) from %s to %s: %w",
			cur.ElementID, cur.Key, cur.State, to, errors.ErrInvalidState)}
	}
	cur.State = to
	if err := t.state.Instances.Update(cur); err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	t.writer.Append(lifecycleEvent(cur, to))
	ec.Instance = cur
	return nil
}

// TransitionToActivated moves an activating instance to ACTIVATED.
func (t *TransitionExecutor) TransitionToActivated(_ context.Context, ec *ElementContext) error {
	return t.transition(ec, model.ElementActivated)
}

// TransitionToCompleting moves an activated instance to COMPLETING.
func (t *TransitionExecutor) TransitionToCompleting(_ context.Context, ec *ElementContext) error {
	return t.transition(ec, model.ElementCompleting)
}

// TransitionToCompleted moves a completing instance to COMPLETED. When the enclosing scope
// collects results from its children it sees the instance first, and a failure there leaves
// the instance COMPLETING.
func (t *TransitionExecutor) TransitionToCompleted(ctx context.Context, ec *ElementContext) error {
	if !ec.Instance.IsRoot() {
		scope, err := t.flowScope(ctx, ec)
		if err != nil {
			return err
		}
		p, err := t.dispatcher.processor(scope.Instance.ElementType)
		if err != nil {
			return err
		}
		if c, ok := p.(childCompletionCollector); ok {
			if err := c.beforeChildCompleted(ctx, scope, ec); err != nil {
				return err
			}
		}
	}
	return t.transition(ec, model.ElementCompleted)
}

// TransitionToTerminating moves an instance that can still be terminated to TERMINATING.
func (t *TransitionExecutor) TransitionToTerminating(_ context.Context, ec *ElementContext) error {
	return t.transition(ec, model.ElementTerminating)
}

// TransitionToTerminated moves a terminating instance to TERMINATED.
func (t *TransitionExecutor) TransitionToTerminated(_ context.Context, ec *ElementContext) error {
	return t.transition(ec, model.ElementTerminated)
}

// ActivateChildInstance creates an instance of el inside scope and writes its ELEMENT_ACTIVATING
// event. The child's variable scope exists on return, so local variables can be seeded before
// the child processes its own activation.
func (t *TransitionExecutor) ActivateChildInstance(ctx context.Context, scope *ElementContext, el *model.Element) (*model.ElementInstance, error) {
	key := t.state.Keys.Next()
	s := scope.Instance
	child := &model.ElementInstance{
		Key:                  key,
		State:                model.ElementActivating,
		BpmnProcessID:        s.BpmnProcessID,
		Version:              s.Version,
		ProcessDefinitionKey: s.ProcessDefinitionKey,
		ProcessInstanceKey:   s.ProcessInstanceKey,
		ElementID:            el.ID,
		ElementType:          el.Type,
		FlowScopeKey:         s.Key,
	}
	if err := t.state.Instances.Create(child); err != nil {
		return nil, fmt.Errorf("activate child %s: %w", el.ID, err)
	}
	if err := t.state.Variables.CreateScope(key, s.Key, s.ProcessInstanceKey); err != nil {
		return nil, fmt.Errorf("activate child %s: %w", el.ID, err)
	}
	if err := t.state.Instances.SpawnPath(s.Key); err != nil {
		return nil, fmt.Errorf("activate child %s: %w", el.ID, err)
	}
	if err := t.refresh(scope); err != nil {
		return nil, err
	}
	t.writer.Append(lifecycleEvent(child, model.ElementActivating))
	logx.FromContext(ctx).Debug("activate child", keys.ElementID, el.ID, keys.ElementInstanceKey, key, keys.FlowScopeKey, s.Key)
	return child, nil
}

// TakeOutgoingSequenceFlows writes a SEQUENCE_FLOW_TAKEN event for every outgoing flow of a
// completed element. Flows are only taken while the enclosing scope runs normally.
func (t *TransitionExecutor) TakeOutgoingSequenceFlows(ctx context.Context, ec *ElementContext) error {
	if ec.Instance.IsRoot() || len(ec.Element.Outgoing) == 0 {
		return nil
	}
	scope, err := t.state.Instances.Get(ec.Instance.FlowScopeKey)
	if err != nil {
		return fmt.Errorf("take outgoing flows of %s: %w", ec.Element.ID, err)
	}
	if scope.State != model.ElementActivated || scope.Interrupted {
		return nil
	}
	for _, id := range ec.Element.Outgoing {
		flow, err := ec.Process.Process.Flow(id)
		if err != nil {
			return &errors.BpmnProcessingError{ElementID: ec.Element.ID, ElementInstanceKey: ec.Key(), Msg: err.Error()}
		}
		if err := t.state.Instances.SpawnPath(scope.Key); err != nil {
			return fmt.Errorf("take flow %s: %w", id, err)
		}
		t.writer.Append(&model.Record{
			Key:        t.state.Keys.Next(),
			RecordType: model.RecordEvent,
			ValueType:  model.ValueProcessInstance,
			Intent:     model.SequenceFlowTaken,
			ProcessInstance: &model.ProcessInstanceValue{
				BpmnProcessID:        scope.BpmnProcessID,
				Version:              scope.Version,
				ProcessDefinitionKey: scope.ProcessDefinitionKey,
				ProcessInstanceKey:   scope.ProcessInstanceKey,
				ElementID:            flow.ID,
				ElementType:          model.ElementSequenceFlow,
				FlowScopeKey:         scope.Key,
			},
		})
	}
	return nil
}

// onSequenceFlowTaken activates the target of a taken flow and consumes the flow's token.
func (t *TransitionExecutor) onSequenceFlowTaken(ctx context.Context, rec *model.Record) error {
	v := rec.ProcessInstance
	ei, err := t.state.Instances.Get(v.FlowScopeKey)
	if err != nil {
		logx.FromContext(ctx).Debug("flow scope gone", keys.ElementID, v.ElementID, keys.FlowScopeKey, v.FlowScopeKey)
		return nil
	}
	scope, err := t.dispatcher.Context(ctx, ei)
	if err != nil {
		return err
	}
	if ei.State == model.ElementActivated && !ei.Interrupted {
		flow, err := scope.Process.Process.Flow(v.ElementID)
		if err != nil {
			return &errors.BpmnProcessingError{ElementID: v.ElementID, ElementInstanceKey: rec.Key, Msg: err.Error()}
		}
		target, err := scope.Process.Process.Element(flow.TargetID)
		if err != nil {
			return &errors.BpmnProcessingError{ElementID: v.ElementID, ElementInstanceKey: rec.Key, Msg: err.Error()}
		}
		if _, err := t.ActivateChildInstance(ctx, scope, target); err != nil {
			return err
		}
		return t.consumeToken(scope)
	}
	if err := t.consumeToken(scope); err != nil {
		return err
	}
	return t.dispatcher.Dispatch(ctx, model.HookChildTerminated, scope, nil)
}

// consumeToken ends one execution path of scope.
func (t *TransitionExecutor) consumeToken(scope *ElementContext) error {
	if _, err := t.state.Instances.ConsumePath(scope.Key()); err != nil {
		return fmt.Errorf("consume token of %d: %w", scope.Key(), err)
	}
	return t.refresh(scope)
}

// OnElementCompleted removes a completed instance, consumes its token and notifies the
// enclosing scope.
func (t *TransitionExecutor) OnElementCompleted(ctx context.Context, ec *ElementContext) error {
	return t.onElementEnded(ctx, ec, model.HookChildCompleted)
}

// OnElementTerminated removes a terminated instance, consumes its token and notifies the
// enclosing scope.
func (t *TransitionExecutor) OnElementTerminated(ctx context.Context, ec *ElementContext) error {
	return t.onElementEnded(ctx, ec, model.HookChildTerminated)
}

func (t *TransitionExecutor) onElementEnded(ctx context.Context, ec *ElementContext, hook model.LifecycleHook) error {
	t.RemoveInstance(ec.Key())
	if ec.Instance.IsRoot() {
		return nil
	}
	scope, err := t.flowScope(ctx, ec)
	if err != nil {
		return err
	}
	if err := t.consumeToken(scope); err != nil {
		return err
	}
	if scope.Instance.State == model.ElementTerminating {
		hook = model.HookChildTerminated
	}
	return t.dispatcher.Dispatch(ctx, hook, scope, ec.Instance)
}

// TerminateChildInstances moves every child that can still be terminated to TERMINATING.
// Children already terminating are left alone. A child that already ended but is held by an
// incident of its final hook is discarded: its incidents are resolved and its token consumed.
// It reports whether the scope has no children.
func (t *TransitionExecutor) TerminateChildInstances(ctx context.Context, scope *ElementContext) (bool, error) {
	children := t.state.Instances.Children(scope.Key())
	left := len(children)
	for _, c := range children {
		if !c.CanTerminate() {
			if !t.heldByIncident(c) {
				continue
			}
			cc, err := t.dispatcher.Context(ctx, c)
			if err != nil {
				return false, err
			}
			if err := t.discard(ctx, scope, cc); err != nil {
				return false, err
			}
			left--
			continue
		}
		cc, err := t.dispatcher.Context(ctx, c)
		if err != nil {
			return false, err
		}
		if err := t.TransitionToTerminating(ctx, cc); err != nil {
			return false, err
		}
	}
	return left == 0, nil
}

// heldByIncident reports whether an ended instance is waiting on an incident of its end hook.
// An ended instance without one still has its end event ahead in the log.
func (t *TransitionExecutor) heldByIncident(ei *model.ElementInstance) bool {
	if ei.State != model.ElementCompleted && ei.State != model.ElementTerminated {
		return false
	}
	return len(t.state.Incidents.ForElement(ei.Key)) > 0
}

// discard removes a child that ended while its scope was being terminated. Its own end hook
// will not run again, so the token it holds is consumed here without notifying the scope.
func (t *TransitionExecutor) discard(ctx context.Context, scope *ElementContext, child *ElementContext) error {
	t.incidents.ResolveIncidents(ctx, child)
	t.RemoveInstance(child.Key())
	return t.consumeToken(scope)
}

// CreateChildProcessInstance starts an instance of dp called from a call activity. The caller's
// visible variables become the local variables of the new instance.
func (t *TransitionExecutor) CreateChildProcessInstance(ctx context.Context, ec *ElementContext, dp *model.DeployedProcess) (int64, error) {
	pik := t.state.Keys.Next()
	if err := t.state.Variables.CreateScope(pik, 0, pik); err != nil {
		return 0, fmt.Errorf("create called process scope: %w", err)
	}
	doc, err := t.state.Variables.GetVariablesAsDocument(ec.Key())
	if err != nil {
		return 0, fmt.Errorf("read call activity variables: %w", err)
	}
	if err := t.state.Variables.SetVariablesLocalFromDocument(pik, doc); err != nil {
		return 0, fmt.Errorf("seed called process variables: %w", err)
	}
	ei, err := t.state.Instances.Modify(ec.Key(), func(ei *model.ElementInstance) {
		ei.CalledChildInstanceKey = pik
	})
	if err != nil {
		return 0, fmt.Errorf("link called process: %w", err)
	}
	ec.Instance = ei
	t.writer.Append(processInstanceCommand(pik, model.ActivateElement, &model.ProcessInstanceValue{
		BpmnProcessID:            dp.BpmnProcessID,
		Version:                  dp.Version,
		ProcessDefinitionKey:     dp.Key,
		ProcessInstanceKey:       pik,
		ElementID:                dp.Process.ID,
		ElementType:              model.ElementProcess,
		ParentProcessInstanceKey: ec.ProcessInstanceKey(),
		ParentElementInstanceKey: ec.Key(),
	}))
	logx.FromContext(ctx).Debug("create called process", keys.BpmnProcessID, dp.BpmnProcessID, keys.ProcessInstanceKey, pik)
	return pik, nil
}

// OnCalledProcessCompleted notifies the calling activity that the process it called completed.
func (t *TransitionExecutor) OnCalledProcessCompleted(ctx context.Context, root *ElementContext) error {
	parent, err := t.callingActivity(ctx, root)
	if parent == nil || err != nil {
		return err
	}
	hook := model.HookChildCompleted
	switch parent.Instance.State {
	case model.ElementActivated:
	case model.ElementTerminating:
		hook = model.HookChildTerminated
	default:
		return nil
	}
	return t.dispatcher.Dispatch(ctx, hook, parent, root.Instance)
}

// OnCalledProcessTerminated notifies the calling activity that the process it called terminated.
func (t *TransitionExecutor) OnCalledProcessTerminated(ctx context.Context, root *ElementContext) error {
	parent, err := t.callingActivity(ctx, root)
	if parent == nil || err != nil {
		return err
	}
	return t.dispatcher.Dispatch(ctx, model.HookChildTerminated, parent, root.Instance)
}

func (t *TransitionExecutor) callingActivity(ctx context.Context, root *ElementContext) (*ElementContext, error) {
	key := root.Instance.ParentElementInstanceKey
	if key == 0 {
		return nil, nil
	}
	ei, err := t.state.Instances.Get(key)
	if err != nil {
		logx.FromContext(ctx).Debug("calling activity gone", keys.ElementInstanceKey, key)
		return nil, nil
	}
	return t.dispatcher.Context(ctx, ei)
}

// RemoveInstance deletes an instance with its variables and pending triggers.
func (t *TransitionExecutor) RemoveInstance(key int64) {
	t.state.Instances.Remove(key)
	t.state.Variables.RemoveScope(key)
	t.state.Triggers.Clear(key)
}

func (t *TransitionExecutor) flowScope(ctx context.Context, ec *ElementContext) (*ElementContext, error) {
	ei, err := t.state.Instances.Get(ec.Instance.FlowScopeKey)
	if err != nil {
		return nil, fmt.Errorf("flow scope of %d: %w", ec.Key(), err)
	}
	return t.dispatcher.Context(ctx, ei)
}

// refresh reloads the stored instance of ec.
func (t *TransitionExecutor) refresh(ec *ElementContext) error {
	ei, err := t.state.Instances.Get(ec.Key())
	if err != nil {
		return err
	}
	ec.Instance = ei
	return nil
}
