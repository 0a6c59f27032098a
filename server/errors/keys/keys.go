package keys

// ContextKey is the wrapper for using context keys
type ContextKey string

const (
	// ElementID is the key for the workflow element ID.
	ElementID = "el_id"
	// ElementType is the key for the BPMN type of the element.
	ElementType = "el_type"
	// ElementInstanceKey is the key for the unique key of an element instance.
	ElementInstanceKey = "ei_key"
	// FlowScopeKey is the key for the element instance key of the enclosing scope.
	FlowScopeKey = "fs_key"
	// ProcessInstanceKey is the key for the unique key of the executing process instance.
	ProcessInstanceKey = "pi_key"
	// ProcessDefinitionKey is the key for the deployed process definition.
	ProcessDefinitionKey = "pd_key"
	// BpmnProcessID is the key for the BPMN id of a process.
	BpmnProcessID = "p_id"
	// ParentProcessInstanceKey is the key for the parent process instance if this is a called process.
	ParentProcessInstanceKey = "parent_pi_key"
	// State is a key for the recorded lifecycle state of an element instance.
	State = "el_state"
	// Intent is a key for the intent of the record being processed.
	Intent = "intent"
	// ValueType is a key for the value type of the record being processed.
	ValueType = "value_type"
	// Position is a key for the log position of the record being processed.
	Position = "pos"
	// Partition is a key for the partition processing a record.
	Partition = "partition"
	// LoopCounter is a key for the multi-instance loop counter.
	LoopCounter = "loop_counter"
	// IncidentKey is a key for the unique key of an incident.
	IncidentKey = "incident_key"
	// Variable is a key for a variable name.
	Variable = "var"
	// MessageName is a key for the name of a message.
	MessageName = "msg_name"
	// CorrelationKey is a key for the correlation key of a message.
	CorrelationKey = "corr_key"
	// RejectionType is a key for the reason code of a rejection.
	RejectionType = "rejection"
)
