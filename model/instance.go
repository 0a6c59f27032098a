package model

// ElementInstance is the persisted record of one running element occurrence.
type ElementInstance struct {
	Key                      int64       `msgpack:"key"`
	State                    Intent      `msgpack:"state"`
	BpmnProcessID            string      `msgpack:"bpid"`
	Version                  int32       `msgpack:"ver"`
	ProcessDefinitionKey     int64       `msgpack:"pdk"`
	ProcessInstanceKey       int64       `msgpack:"pik"`
	ElementID                string      `msgpack:"eid"`
	ElementType              ElementType `msgpack:"etype"`
	FlowScopeKey             int64       `msgpack:"fsk"`
	ParentProcessInstanceKey int64       `msgpack:"ppik,omitempty"`
	ParentElementInstanceKey int64       `msgpack:"peik,omitempty"`

	// ActivePaths counts the live children and the taken sequence flows not yet consumed.
	ActivePaths int32 `msgpack:"paths"`
	// LoopCounter starts at 0 and is incremented once per multi-instance child spawned.
	LoopCounter int64 `msgpack:"loop"`
	// InputCardinality is the size of the input collection read when a multi-instance body activated.
	InputCardinality int64 `msgpack:"card"`
	// CompletionConditionFulfilled is set once a multi-instance completion condition evaluated true.
	CompletionConditionFulfilled bool `msgpack:"cond,omitempty"`
	// Interrupted is set when an interrupting event is terminating the instance's children.
	Interrupted bool `msgpack:"interrupted,omitempty"`
	// CalledChildInstanceKey is the process instance created by a call activity.
	CalledChildInstanceKey int64 `msgpack:"called,omitempty"`
}

// Value returns the process instance record value describing the instance.
func (ei *ElementInstance) Value() *ProcessInstanceValue {
	return &ProcessInstanceValue{
		BpmnProcessID:            ei.BpmnProcessID,
		Version:                  ei.Version,
		ProcessDefinitionKey:     ei.ProcessDefinitionKey,
		ProcessInstanceKey:       ei.ProcessInstanceKey,
		ElementID:                ei.ElementID,
		ElementType:              ei.ElementType,
		FlowScopeKey:             ei.FlowScopeKey,
		ParentProcessInstanceKey: ei.ParentProcessInstanceKey,
		ParentElementInstanceKey: ei.ParentElementInstanceKey,
	}
}

// IsRoot reports whether the instance is a process instance.
func (ei *ElementInstance) IsRoot() bool {
	return ei.FlowScopeKey == 0
}

// IsActive reports whether the instance can still complete normally.
func (ei *ElementInstance) IsActive() bool {
	switch ei.State {
	case ElementActivating, ElementActivated, ElementCompleting:
		return true
	}
	return false
}

// IsTerminal reports whether the instance has reached the end of its lifecycle.
func (ei *ElementInstance) IsTerminal() bool {
	return ei.State == ElementCompleted || ei.State == ElementTerminated
}

// CanTerminate reports whether the instance can still be moved to terminating.
func (ei *ElementInstance) CanTerminate() bool {
	return ei.IsActive()
}

var transitions = map[Intent][]Intent{
	ElementActivating:  {ElementActivated, ElementTerminating},
	ElementActivated:   {ElementCompleting, ElementTerminating},
	ElementCompleting:  {ElementCompleted, ElementTerminating},
	ElementTerminating: {ElementTerminated},
}

// CanTransition reports whether the lifecycle allows moving from one state to the next.
// Lifecycle states are never skipped.
func CanTransition(from Intent, to Intent) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
