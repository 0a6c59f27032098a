package workflow

import (
	"context"
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/errors/keys"
)

type commandKey struct {
	valueType model.ValueType
	intent    model.Intent
}

// commandHandler processes one kind of command. rejected, when set, runs after a rejection has
// rolled back the command's changes.
type commandHandler struct {
	process  func(ctx context.Context, rec *model.Record) error
	rejected func(ctx context.Context, rec *model.Record)
}

// commandProcessors turns commands into events.
type commandProcessors struct {
	b          *Behaviors
	dispatcher *Dispatcher
}

func (c *commandProcessors) handlers() map[commandKey]commandHandler {
	return map[commandKey]commandHandler{
		{model.ValueProcessInstance, model.ActivateElement}:  {process: c.activateElement, rejected: c.activateElementRejected},
		{model.ValueProcessInstance, model.CompleteElement}:  {process: c.completeElement},
		{model.ValueProcessInstance, model.TerminateElement}: {process: c.terminateElement},
		{model.ValueProcessInstance, model.Cancel}:           {process: c.cancel},
		{model.ValueProcessInstanceCreation, model.Create}:   {process: c.createProcessInstance},
		{model.ValueTimer, model.Trigger}:                    {process: c.triggerTimer},
		{model.ValueMessage, model.Publish}:                  {process: c.publishMessage},
		{model.ValueIncident, model.Resolve}:                 {process: c.resolveIncident},
		{model.ValueDeployment, model.Create}:                {process: c.deploy},
		{model.ValueVariableDocument, model.Update}:          {process: c.updateVariables},
	}
}

// activateElement creates a process instance from its activation command.
func (c *commandProcessors) activateElement(ctx context.Context, rec *model.Record) error {
	st := c.b.state
	v := rec.ProcessInstance
	if v == nil || v.ElementType != model.ElementProcess {
		return errors.Reject(errors.RejectionInvalidArgument, "only process instances can be activated by command")
	}
	if st.Instances.Exists(rec.Key) {
		return errors.Reject(errors.RejectionAlreadyExists, "element instance %d already exists", rec.Key)
	}
	if v.ParentElementInstanceKey != 0 {
		parent, err := st.Instances.Get(v.ParentElementInstanceKey)
		if err != nil || parent.State != model.ElementActivated {
			return errors.Reject(errors.RejectionInvalidState, "calling element instance %d is not activated", v.ParentElementInstanceKey)
		}
	}
	if _, err := st.Deployments.Get(ctx, v.ProcessDefinitionKey); err != nil {
		return errors.Reject(errors.RejectionNotFound, "process definition %d is not deployed", v.ProcessDefinitionKey)
	}
	ei := &model.ElementInstance{
		Key:                      rec.Key,
		State:                    model.ElementActivating,
		BpmnProcessID:            v.BpmnProcessID,
		Version:                  v.Version,
		ProcessDefinitionKey:     v.ProcessDefinitionKey,
		ProcessInstanceKey:       rec.Key,
		ElementID:                v.ElementID,
		ElementType:              model.ElementProcess,
		ParentProcessInstanceKey: v.ParentProcessInstanceKey,
		ParentElementInstanceKey: v.ParentElementInstanceKey,
	}
	if err := st.Variables.CreateScope(rec.Key, 0, rec.Key); err != nil {
		return fmt.Errorf("create process scope: %w", err)
	}
	if err := st.Instances.Create(ei); err != nil {
		return fmt.Errorf("create process instance: %w", err)
	}
	c.b.writer.Append(lifecycleEvent(ei, model.ElementActivating))
	return nil
}

// activateElementRejected drops what was prepared for a process instance that was never created.
func (c *commandProcessors) activateElementRejected(ctx context.Context, rec *model.Record) {
	st := c.b.state
	if st.Instances.Exists(rec.Key) {
		return
	}
	st.Variables.RemoveScope(rec.Key)
	st.Triggers.Clear(rec.Key)
	if req, ok := st.Results.Take(rec.Key); ok && rec.ProcessInstance != nil {
		c.b.writeResult(&model.ElementInstance{
			Key:                  rec.Key,
			BpmnProcessID:        rec.ProcessInstance.BpmnProcessID,
			ProcessDefinitionKey: rec.ProcessInstance.ProcessDefinitionKey,
		}, model.Rejected, req, nil, "process instance could not be activated")
	}
	if rec.ProcessInstance != nil {
		if err := c.b.releaseMessageStart(ctx, rec.Key, rec.ProcessInstance.BpmnProcessID); err != nil {
			logx.FromContext(ctx).Error("release message start", "error", err, keys.ProcessInstanceKey, rec.Key)
		}
	}
}

// completeElement completes a task waiting for external completion.
func (c *commandProcessors) completeElement(ctx context.Context, rec *model.Record) error {
	ec, err := c.lookup(ctx, rec.Key)
	if err != nil {
		return err
	}
	if !ec.Element.IsWaitState() || ec.Instance.State != model.ElementActivated {
		return errors.Reject(errors.RejectionInvalidState, "element instance %d of '%s' is %s and cannot be completed",
			rec.Key, ec.Element.ID, ec.Instance.State)
	}
	if rec.ProcessInstance != nil && len(rec.ProcessInstance.Variables) > 0 {
		if _, err := document.DecodeMap(rec.ProcessInstance.Variables); err != nil {
			return errors.Reject(errors.RejectionInvalidArgument, "variables are not a document: %s", err)
		}
		c.b.state.Variables.SetTemporaryVariables(rec.Key, rec.ProcessInstance.Variables)
	}
	return c.b.Transitions.TransitionToCompleting(ctx, ec)
}

func (c *commandProcessors) terminateElement(ctx context.Context, rec *model.Record) error {
	ec, err := c.lookup(ctx, rec.Key)
	if err != nil {
		return err
	}
	if !ec.Instance.CanTerminate() {
		return errors.Reject(errors.RejectionInvalidState, "element instance %d is %s and cannot be terminated", rec.Key, ec.Instance.State)
	}
	return c.b.Transitions.TransitionToTerminating(ctx, ec)
}

// cancel terminates a process instance that was not started by a call activity.
func (c *commandProcessors) cancel(ctx context.Context, rec *model.Record) error {
	ec, err := c.lookup(ctx, rec.Key)
	if err != nil {
		return err
	}
	ei := ec.Instance
	if !ei.IsRoot() || ei.ParentElementInstanceKey != 0 {
		return errors.Reject(errors.RejectionInvalidState, "element instance %d is not a top level process instance", rec.Key)
	}
	if !ei.CanTerminate() {
		return errors.Reject(errors.RejectionInvalidState, "process instance %d is %s and cannot be cancelled", rec.Key, ei.State)
	}
	return c.b.Transitions.TransitionToTerminating(ctx, ec)
}

// createProcessInstance creates a process instance started at its none start event.
func (c *commandProcessors) createProcessInstance(ctx context.Context, rec *model.Record) error {
	st := c.b.state
	v := rec.Creation
	if v == nil {
		return errors.Reject(errors.RejectionInvalidArgument, "no process instance creation value")
	}
	var dp *model.DeployedProcess
	var err error
	if v.ProcessDefinitionKey != 0 {
		dp, err = st.Deployments.Get(ctx, v.ProcessDefinitionKey)
	} else {
		dp, err = st.Deployments.Latest(ctx, v.BpmnProcessID)
	}
	if err != nil {
		return errors.Reject(errors.RejectionNotFound, "process '%s' (%d) is not deployed", v.BpmnProcessID, v.ProcessDefinitionKey)
	}
	if dp.Process.Root().NoneStartEvent == "" {
		return errors.Reject(errors.RejectionInvalidArgument, "process '%s' has no none start event", dp.BpmnProcessID)
	}
	if _, err := document.DecodeMap(v.Variables); err != nil {
		return errors.Reject(errors.RejectionInvalidArgument, "variables are not a document: %s", err)
	}
	pik := st.Keys.Next()
	created := followUp(rec, model.Created)
	created.Key = pik
	created.Creation = &model.ProcessInstanceCreationValue{
		BpmnProcessID:        dp.BpmnProcessID,
		Version:              dp.Version,
		ProcessDefinitionKey: dp.Key,
		ProcessInstanceKey:   pik,
		Variables:            v.Variables,
		AwaitResult:          v.AwaitResult,
	}
	c.b.writer.Append(created)
	if err := st.Variables.CreateScope(pik, 0, pik); err != nil {
		return fmt.Errorf("create process scope: %w", err)
	}
	if err := st.Variables.SetVariablesLocalFromDocument(pik, v.Variables); err != nil {
		return fmt.Errorf("set process variables: %w", err)
	}
	if v.AwaitResult {
		st.Results.Await(pik, rec.RequestID)
	}
	c.b.writer.Append(processInstanceCommand(pik, model.ActivateElement, &model.ProcessInstanceValue{
		BpmnProcessID:        dp.BpmnProcessID,
		Version:              dp.Version,
		ProcessDefinitionKey: dp.Key,
		ProcessInstanceKey:   pik,
		ElementID:            dp.Process.ID,
		ElementType:          model.ElementProcess,
	}))
	logx.FromContext(ctx).Info("process instance created", keys.BpmnProcessID, dp.BpmnProcessID, keys.ProcessInstanceKey, pik)
	return nil
}

// triggerTimer fires a due timer. A start timer starts a process instance, any other timer
// becomes an event of the element instance that opened it. Cycles are re-armed.
func (c *commandProcessors) triggerTimer(ctx context.Context, rec *model.Record) error {
	st := c.b.state
	t, ok := st.Timers.Get(rec.Key)
	if !ok {
		return errors.Reject(errors.RejectionNotFound, "timer %d does not exist", rec.Key)
	}
	dp, err := st.Deployments.Get(ctx, t.ProcessDefinitionKey)
	if err != nil {
		return errors.Reject(errors.RejectionNotFound, "process definition %d of timer %d is not deployed", t.ProcessDefinitionKey, rec.Key)
	}
	target, err := dp.Process.Element(t.TargetElementID)
	if err != nil {
		return errors.Reject(errors.RejectionNotFound, "timer %d: %s", rec.Key, err)
	}
	if t.ElementInstanceKey == 0 {
		st.Timers.Remove(rec.Key)
		c.b.writer.Append(timerEvent(rec.Key, model.Triggered, t))
		if _, err := c.b.startInstance(ctx, dp, target, rec.Key, nil); err != nil {
			return err
		}
		c.rearm(ctx, t, target)
		return nil
	}
	ei, err := st.Instances.Get(t.ElementInstanceKey)
	if err != nil {
		return errors.Reject(errors.RejectionNotFound, "element instance %d of timer %d does not exist", t.ElementInstanceKey, rec.Key)
	}
	if ei.State != model.ElementActivated || ei.Interrupted {
		return errors.Reject(errors.RejectionInvalidState, "element instance %d of timer %d is %s", ei.Key, rec.Key, ei.State)
	}
	st.Timers.Remove(rec.Key)
	c.b.writer.Append(timerEvent(rec.Key, model.Triggered, t))
	st.Triggers.Append(ei.Key, state.EventTrigger{ElementID: target.ID, EventKey: rec.Key})
	c.b.writer.Append(lifecycleEvent(ei, model.EventOccurred))
	if !target.Interrupting && target.ID != ei.ElementID {
		c.rearm(ctx, t, target)
	}
	return nil
}

// rearm opens the next firing of a cycle timer.
func (c *commandProcessors) rearm(ctx context.Context, t *model.TimerValue, target *model.Element) {
	if t.Repetitions == 1 || t.Repetitions == 0 || target.Event == nil || target.Event.TimeCycle == "" {
		return
	}
	due, err := c.b.Expressions.NextCycle(ctx, t.ElementInstanceKey, target.Event, t.DueDate)
	if err != nil {
		logx.FromContext(ctx).Warn("timer cycle ended", keys.ElementID, target.ID, "error", err)
		return
	}
	next := *t
	next.DueDate = due
	if next.Repetitions > 0 {
		next.Repetitions--
	}
	c.b.Events.openTimer(&next)
}

// publishMessage correlates a message to the open subscriptions waiting for it and starts the
// processes listening for it. A message starts at most one running instance per process and
// correlation key, further messages are buffered until that instance ends.
func (c *commandProcessors) publishMessage(ctx context.Context, rec *model.Record) error {
	st := c.b.state
	msg := rec.Message
	if msg == nil || msg.Name == "" {
		return errors.Reject(errors.RejectionInvalidArgument, "message has no name")
	}
	if _, err := document.DecodeMap(msg.Variables); err != nil {
		return errors.Reject(errors.RejectionInvalidArgument, "variables are not a document: %s", err)
	}
	msgKey := st.Keys.Next()
	published := followUp(rec, model.Published)
	published.Key = msgKey
	c.b.writer.Append(published)

	correlated := make(map[int64]bool)
	for _, key := range st.Messages.Matching(msg.Name, msg.CorrelationKey) {
		sub, _ := st.Messages.Get(key)
		if correlated[sub.ElementInstanceKey] {
			continue
		}
		ei, err := st.Instances.Get(sub.ElementInstanceKey)
		if err != nil || ei.State != model.ElementActivated || ei.Interrupted {
			continue
		}
		correlated[ei.Key] = true
		c.b.writer.Append(subscriptionEvent(key, model.Correlated, sub))
		if sub.Interrupting || sub.ElementID == ei.ElementID {
			st.Messages.Remove(key)
		}
		st.Triggers.Append(ei.Key, state.EventTrigger{ElementID: sub.ElementID, Variables: msg.Variables, EventKey: msgKey})
		c.b.writer.Append(lifecycleEvent(ei, model.EventOccurred))
		logx.FromContext(ctx).Debug("message correlated", keys.MessageName, msg.Name, keys.ElementInstanceKey, ei.Key)
	}

	for _, pdk := range st.Deployments.LatestKeys() {
		dp, err := st.Deployments.Get(ctx, pdk)
		if err != nil {
			return fmt.Errorf("read process definition %d: %w", pdk, err)
		}
		start := messageStartEvent(dp.Process, msg.Name)
		if start == nil {
			continue
		}
		if msg.CorrelationKey != "" {
			if holder, locked := st.Messages.StartLock(dp.BpmnProcessID, msg.CorrelationKey); locked {
				st.Messages.Buffer(dp.BpmnProcessID, msg)
				logx.FromContext(ctx).Debug("message buffered", keys.MessageName, msg.Name, keys.CorrelationKey, msg.CorrelationKey, keys.ProcessInstanceKey, holder)
				continue
			}
		}
		pik, err := c.b.startInstance(ctx, dp, start, msgKey, msg.Variables)
		if err != nil {
			return err
		}
		if msg.CorrelationKey != "" {
			st.Messages.Lock(dp.BpmnProcessID, msg.CorrelationKey, pik)
		}
	}
	return nil
}

// resolveIncident resolves an incident and runs the failed hook again.
func (c *commandProcessors) resolveIncident(ctx context.Context, rec *model.Record) error {
	v, ok := c.b.Incidents.resolve(ctx, rec.Key)
	if !ok {
		return errors.Reject(errors.RejectionNotFound, "incident %d does not exist", rec.Key)
	}
	ei, err := c.b.state.Instances.Get(v.ElementInstanceKey)
	if err != nil || ei.State != stateFor(v.Hook) {
		logx.FromContext(ctx).Debug("incident resolved without retry", keys.IncidentKey, rec.Key, keys.ElementInstanceKey, v.ElementInstanceKey)
		return nil
	}
	ec, err := c.dispatcher.Context(ctx, ei)
	if err != nil {
		return err
	}
	return runHook(ctx, c.dispatcher, v.Hook, ec)
}

// deploy validates and stores process definitions. Every definition is checked before any is
// stored, and the start timers of the versions they replace are cancelled.
func (c *commandProcessors) deploy(ctx context.Context, rec *model.Record) error {
	st := c.b.state
	if rec.Deployment == nil || len(rec.Deployment.Processes) == 0 {
		return errors.Reject(errors.RejectionInvalidArgument, "deployment holds no process")
	}
	now := c.b.writer.Timestamp()
	timers := make([][]*model.TimerValue, len(rec.Deployment.Processes))
	for i, dp := range rec.Deployment.Processes {
		if dp == nil || dp.Process == nil || dp.Process.Root() == nil {
			return errors.Reject(errors.RejectionInvalidArgument, "deployment entry %d holds no process", i)
		}
		if err := dp.Process.Finalize(); err != nil {
			return errors.Reject(errors.RejectionInvalidArgument, "process '%s': %s", dp.Process.ID, err)
		}
		if err := c.b.Expressions.Validate(ctx, dp.Process); err != nil {
			return errors.Reject(errors.RejectionInvalidArgument, "process '%s': %s", dp.Process.ID, err)
		}
		for _, start := range timerStartEvents(dp.Process) {
			due, reps, err := c.b.Expressions.TimerDueDate(ctx, 0, start.Event, now)
			if err != nil {
				return errors.Reject(errors.RejectionInvalidArgument, "timer start event '%s' of '%s': %s", start.ID, dp.Process.ID, err)
			}
			timers[i] = append(timers[i], &model.TimerValue{TargetElementID: start.ID, DueDate: due, Repetitions: reps})
		}
	}
	var replaced []int64
	for _, dp := range rec.Deployment.Processes {
		dp.BpmnProcessID = dp.Process.ID
		if prev, err := st.Deployments.Latest(ctx, dp.BpmnProcessID); err == nil {
			replaced = append(replaced, prev.Key)
		}
		dp.Key = st.Keys.Next()
		dp.Version = st.Deployments.NextVersion(dp.BpmnProcessID)
		if err := st.Deployments.Put(dp); err != nil {
			return fmt.Errorf("store process '%s': %w", dp.BpmnProcessID, err)
		}
	}
	created := followUp(rec, model.Created)
	created.Key = st.Keys.Next()
	c.b.writer.Append(created)

	for _, key := range st.Timers.ForElement(0) {
		t, _ := st.Timers.Get(key)
		for _, pdk := range replaced {
			if t.ProcessDefinitionKey == pdk {
				st.Timers.Remove(key)
				c.b.writer.Append(timerEvent(key, model.Canceled, t))
				break
			}
		}
	}
	for i, dp := range rec.Deployment.Processes {
		for _, t := range timers[i] {
			t.ProcessDefinitionKey = dp.Key
			c.b.Events.openTimer(t)
		}
		logx.FromContext(ctx).Info("process deployed", keys.BpmnProcessID, dp.BpmnProcessID, keys.ProcessDefinitionKey, dp.Key, "version", dp.Version)
	}
	return nil
}

// updateVariables writes a variable document into the scope of an element instance.
func (c *commandProcessors) updateVariables(ctx context.Context, rec *model.Record) error {
	st := c.b.state
	d := rec.Document
	if d == nil {
		return errors.Reject(errors.RejectionInvalidArgument, "no variable document")
	}
	if !st.Variables.HasScope(d.ScopeKey) {
		return errors.Reject(errors.RejectionNotFound, "variable scope %d does not exist", d.ScopeKey)
	}
	if _, err := document.DecodeMap(d.Variables); err != nil {
		return errors.Reject(errors.RejectionInvalidArgument, "variables are not a document: %s", err)
	}
	c.b.writer.Append(followUp(rec, model.Updated))
	var err error
	if d.Local {
		err = st.Variables.SetVariablesLocalFromDocument(d.ScopeKey, d.Variables)
	} else {
		err = st.Variables.SetVariablesFromDocument(d.ScopeKey, d.Variables)
	}
	if err != nil {
		return fmt.Errorf("update variables of %d: %w", d.ScopeKey, err)
	}
	logx.FromContext(ctx).Debug("variables updated", keys.ElementInstanceKey, d.ScopeKey)
	return nil
}

func (c *commandProcessors) lookup(ctx context.Context, key int64) (*ElementContext, error) {
	ei, err := c.b.state.Instances.Get(key)
	if err != nil {
		return nil, errors.Reject(errors.RejectionNotFound, "element instance %d does not exist", key)
	}
	return c.dispatcher.Context(ctx, ei)
}
