package model

import (
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// RecordType distinguishes commands, events and rejections.
type RecordType uint8

const (
	// RecordCommand asks the engine to do something.
	RecordCommand RecordType = iota + 1
	// RecordEvent states something that has happened.
	RecordEvent
	// RecordRejection states that a command was not applied.
	RecordRejection
)

func (t RecordType) String() string {
	switch t {
	case RecordCommand:
		return "COMMAND"
	case RecordEvent:
		return "EVENT"
	case RecordRejection:
		return "REJECTION"
	}
	return fmt.Sprintf("RecordType(%d)", t)
}

// ValueType identifies the payload carried by a record.
type ValueType string

const (
	ValueProcessInstance         ValueType = "PROCESS_INSTANCE"          // ValueProcessInstance carries element lifecycle records.
	ValueProcessInstanceCreation ValueType = "PROCESS_INSTANCE_CREATION" // ValueProcessInstanceCreation carries instance creation.
	ValueProcessInstanceResult   ValueType = "PROCESS_INSTANCE_RESULT"   // ValueProcessInstanceResult carries awaited results.
	ValueVariable                ValueType = "VARIABLE"                  // ValueVariable carries variable changes.
	ValueIncident                ValueType = "INCIDENT"                  // ValueIncident carries incidents.
	ValueTimer                   ValueType = "TIMER"                     // ValueTimer carries timers.
	ValueMessage                 ValueType = "MESSAGE"                   // ValueMessage carries published messages.
	ValueMessageSubscription     ValueType = "MESSAGE_SUBSCRIPTION"      // ValueMessageSubscription carries message subscriptions.
	ValueDeployment              ValueType = "DEPLOYMENT"                // ValueDeployment carries deployments.
	ValueVariableDocument        ValueType = "VARIABLE_DOCUMENT"         // ValueVariableDocument carries external variable updates.
)

// Intent is the verb of a record. Intents are opaque dispatch keys within a value type.
type Intent string

// Process instance intents.
const (
	ActivateElement    Intent = "ACTIVATE_ELEMENT"
	CompleteElement    Intent = "COMPLETE_ELEMENT"
	TerminateElement   Intent = "TERMINATE_ELEMENT"
	Cancel             Intent = "CANCEL"
	ElementActivating  Intent = "ELEMENT_ACTIVATING"
	ElementActivated   Intent = "ELEMENT_ACTIVATED"
	ElementCompleting  Intent = "ELEMENT_COMPLETING"
	ElementCompleted   Intent = "ELEMENT_COMPLETED"
	ElementTerminating Intent = "ELEMENT_TERMINATING"
	ElementTerminated  Intent = "ELEMENT_TERMINATED"
	EventOccurred      Intent = "EVENT_OCCURRED"
	SequenceFlowTaken  Intent = "SEQUENCE_FLOW_TAKEN"
)

// Intents of the remaining value types.
const (
	Create     Intent = "CREATE"
	Created    Intent = "CREATED"
	Updated    Intent = "UPDATED"
	Completed  Intent = "COMPLETED"
	Rejected   Intent = "REJECTED"
	Resolve    Intent = "RESOLVE"
	Resolved   Intent = "RESOLVED"
	Trigger    Intent = "TRIGGER"
	Triggered  Intent = "TRIGGERED"
	Canceled   Intent = "CANCELED"
	Update     Intent = "UPDATE"
	Publish    Intent = "PUBLISH"
	Published  Intent = "PUBLISHED"
	Correlated Intent = "CORRELATED"
	Deleted    Intent = "DELETED"
)

// Record is one entry of the partition log.
// Exactly one of the value fields is set, matching ValueType.
type Record struct {
	Position        int64                         `msgpack:"pos"`
	SourcePosition  int64                         `msgpack:"src"`
	Key             int64                         `msgpack:"key"`
	RecordType      RecordType                    `msgpack:"rt"`
	ValueType       ValueType                     `msgpack:"vt"`
	Intent          Intent                        `msgpack:"intent"`
	RejectionType   errors.RejectionType          `msgpack:"rej,omitempty"`
	RejectionReason string                        `msgpack:"reason,omitempty"`
	RequestID       string                        `msgpack:"req,omitempty"`
	Timestamp       int64                         `msgpack:"ts"`
	ProcessInstance *ProcessInstanceValue         `msgpack:"pi,omitempty"`
	Creation        *ProcessInstanceCreationValue `msgpack:"create,omitempty"`
	Result          *ProcessInstanceResultValue   `msgpack:"result,omitempty"`
	Variable        *VariableValue                `msgpack:"var,omitempty"`
	Incident        *IncidentValue                `msgpack:"incident,omitempty"`
	Timer           *TimerValue                   `msgpack:"timer,omitempty"`
	Message         *MessageValue                 `msgpack:"msg,omitempty"`
	Subscription    *MessageSubscriptionValue     `msgpack:"sub,omitempty"`
	Deployment      *DeploymentValue              `msgpack:"deploy,omitempty"`
	Document        *VariableDocumentValue        `msgpack:"doc,omitempty"`
}

func (r *Record) String() string {
	return fmt.Sprintf("%d %s %s %s key=%d", r.Position, r.RecordType, r.ValueType, r.Intent, r.Key)
}

// IsCommand reports whether the record is a command.
func (r *Record) IsCommand() bool {
	return r.RecordType == RecordCommand
}

// ProcessInstanceValue describes an element instance in lifecycle records.
type ProcessInstanceValue struct {
	BpmnProcessID            string      `msgpack:"bpid"`
	Version                  int32       `msgpack:"ver"`
	ProcessDefinitionKey     int64       `msgpack:"pdk"`
	ProcessInstanceKey       int64       `msgpack:"pik"`
	ElementID                string      `msgpack:"eid"`
	ElementType              ElementType `msgpack:"etype"`
	FlowScopeKey             int64       `msgpack:"fsk"`
	ParentProcessInstanceKey int64       `msgpack:"ppik,omitempty"`
	ParentElementInstanceKey int64       `msgpack:"peik,omitempty"`
	Variables                []byte      `msgpack:"vars,omitempty"`
}

// ProcessInstanceCreationValue requests or confirms a new process instance.
type ProcessInstanceCreationValue struct {
	BpmnProcessID        string `msgpack:"bpid,omitempty"`
	Version              int32  `msgpack:"ver,omitempty"`
	ProcessDefinitionKey int64  `msgpack:"pdk,omitempty"`
	ProcessInstanceKey   int64  `msgpack:"pik,omitempty"`
	Variables            []byte `msgpack:"vars,omitempty"`
	AwaitResult          bool   `msgpack:"await,omitempty"`
}

// ProcessInstanceResultValue is the outcome of an instance created with AwaitResult.
type ProcessInstanceResultValue struct {
	BpmnProcessID        string `msgpack:"bpid"`
	ProcessDefinitionKey int64  `msgpack:"pdk"`
	ProcessInstanceKey   int64  `msgpack:"pik"`
	Variables            []byte `msgpack:"vars,omitempty"`
	Reason               string `msgpack:"reason,omitempty"`
}

// VariableValue records a variable write.
type VariableValue struct {
	Name               string `msgpack:"name"`
	Value              []byte `msgpack:"value"`
	ScopeKey           int64  `msgpack:"scope"`
	ProcessInstanceKey int64  `msgpack:"pik"`
}

// IncidentValue describes an incident.
type IncidentValue struct {
	ErrorType          errors.FailureType `msgpack:"type"`
	ErrorMessage       string             `msgpack:"msg"`
	BpmnProcessID      string             `msgpack:"bpid"`
	ProcessInstanceKey int64              `msgpack:"pik"`
	ElementID          string             `msgpack:"eid"`
	ElementInstanceKey int64              `msgpack:"eik"`
	Hook               LifecycleHook      `msgpack:"hook"`
}

// TimerValue describes a timer subscription.
type TimerValue struct {
	ProcessDefinitionKey int64  `msgpack:"pdk"`
	ProcessInstanceKey   int64  `msgpack:"pik,omitempty"`
	ElementInstanceKey   int64  `msgpack:"eik,omitempty"`
	TargetElementID      string `msgpack:"target"`
	DueDate              int64  `msgpack:"due"`
	// Repetitions counts the firings left including this one, -1 for an unbounded cycle.
	Repetitions int32 `msgpack:"reps,omitempty"`
}

// MessageValue describes a published message.
type MessageValue struct {
	Name           string `msgpack:"name"`
	CorrelationKey string `msgpack:"corr"`
	Variables      []byte `msgpack:"vars,omitempty"`
	MessageID      string `msgpack:"id,omitempty"`
}

// MessageSubscriptionValue describes an open message subscription.
type MessageSubscriptionValue struct {
	MessageName        string `msgpack:"name"`
	CorrelationKey     string `msgpack:"corr"`
	ProcessInstanceKey int64  `msgpack:"pik"`
	ElementInstanceKey int64  `msgpack:"eik"`
	ElementID          string `msgpack:"eid"`
	Interrupting       bool   `msgpack:"int"`
}

// VariableDocumentValue writes a variable document into the scope of an element instance.
// With Local unset, each variable is updated where it is already defined.
type VariableDocumentValue struct {
	ScopeKey  int64  `msgpack:"scope"`
	Variables []byte `msgpack:"vars"`
	Local     bool   `msgpack:"local,omitempty"`
}

// DeploymentValue carries deployed process definitions.
type DeploymentValue struct {
	Processes []*DeployedProcess `msgpack:"processes"`
}

// DeployedProcess is a process definition with its deployment identity.
type DeployedProcess struct {
	Key           int64    `msgpack:"key"`
	BpmnProcessID string   `msgpack:"bpid"`
	Version       int32    `msgpack:"ver"`
	Process       *Process `msgpack:"process"`
}

// LifecycleHook names one of the hooks of an element lifecycle handler.
type LifecycleHook uint8

const (
	HookNone LifecycleHook = iota
	HookActivating
	HookActivated
	HookCompleting
	HookCompleted
	HookTerminating
	HookTerminated
	HookEventOccurred
	HookChildCompleted
	HookChildTerminated
)

func (h LifecycleHook) String() string {
	switch h {
	case HookActivating:
		return "onActivating"
	case HookActivated:
		return "onActivated"
	case HookCompleting:
		return "onCompleting"
	case HookCompleted:
		return "onCompleted"
	case HookTerminating:
		return "onTerminating"
	case HookTerminated:
		return "onTerminated"
	case HookEventOccurred:
		return "onEventOccurred"
	case HookChildCompleted:
		return "onChildCompleted"
	case HookChildTerminated:
		return "onChildTerminated"
	}
	return "none"
}

// HookFor returns the lifecycle hook run for a process instance event.
func HookFor(intent Intent) LifecycleHook {
	switch intent {
	case ElementActivating:
		return HookActivating
	case ElementActivated:
		return HookActivated
	case ElementCompleting:
		return HookCompleting
	case ElementCompleted:
		return HookCompleted
	case ElementTerminating:
		return HookTerminating
	case ElementTerminated:
		return HookTerminated
	case EventOccurred:
		return HookEventOccurred
	}
	return HookNone
}
