package model

import (
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// ElementType is the BPMN type of an element.
type ElementType string

const (
	ElementProcess                ElementType = "PROCESS"
	ElementSubProcess             ElementType = "SUB_PROCESS"
	ElementEventSubProcess        ElementType = "EVENT_SUB_PROCESS"
	ElementMultiInstanceBody      ElementType = "MULTI_INSTANCE_BODY"
	ElementStartEvent             ElementType = "START_EVENT"
	ElementEndEvent               ElementType = "END_EVENT"
	ElementIntermediateCatchEvent ElementType = "INTERMEDIATE_CATCH_EVENT"
	ElementBoundaryEvent          ElementType = "BOUNDARY_EVENT"
	ElementServiceTask            ElementType = "SERVICE_TASK"
	ElementUserTask               ElementType = "USER_TASK"
	ElementManualTask             ElementType = "MANUAL_TASK"
	ElementTask                   ElementType = "TASK"
	ElementReceiveTask            ElementType = "RECEIVE_TASK"
	ElementCallActivity           ElementType = "CALL_ACTIVITY"
	ElementSequenceFlow           ElementType = "SEQUENCE_FLOW"
)

// ElementTypes lists every element type an engine must handle.
func ElementTypes() []ElementType {
	return []ElementType{
		ElementProcess, ElementSubProcess, ElementEventSubProcess, ElementMultiInstanceBody,
		ElementStartEvent, ElementEndEvent, ElementIntermediateCatchEvent, ElementBoundaryEvent,
		ElementServiceTask, ElementUserTask, ElementManualTask, ElementTask, ElementReceiveTask,
		ElementCallActivity, ElementSequenceFlow,
	}
}

// IsContainer reports whether elements of this type own child element instances.
func (t ElementType) IsContainer() bool {
	switch t {
	case ElementProcess, ElementSubProcess, ElementEventSubProcess, ElementMultiInstanceBody:
		return true
	}
	return false
}

// EventType is the trigger of a catching event.
type EventType string

const (
	EventNone    EventType = ""
	EventMessage EventType = "MESSAGE"
	EventTimer   EventType = "TIMER"
)

// EventDefinition describes what triggers a catching event.
type EventDefinition struct {
	Type           EventType `msgpack:"type"`
	MessageName    string    `msgpack:"msg,omitempty"`
	CorrelationKey string    `msgpack:"corr,omitempty"`
	TimeDuration   string    `msgpack:"dur,omitempty"`
	TimeDate       string    `msgpack:"date,omitempty"`
	// TimeCycle is a repeating interval such as R3/PT10S or a cron expression.
	TimeCycle string `msgpack:"cycle,omitempty"`
}

// Mapping copies the result of an expression into a target variable.
type Mapping struct {
	Source string `msgpack:"src"`
	Target string `msgpack:"tgt"`
}

// LoopCharacteristics describes a multi-instance activity.
type LoopCharacteristics struct {
	IsSequential        bool   `msgpack:"seq"`
	InputCollection     string `msgpack:"in"`
	InputElement        string `msgpack:"inEl,omitempty"`
	OutputCollection    string `msgpack:"out,omitempty"`
	OutputElement       string `msgpack:"outEl,omitempty"`
	CompletionCondition string `msgpack:"cond,omitempty"`
}

// SequenceFlow connects two elements in the same flow scope.
type SequenceFlow struct {
	ID       string `msgpack:"id"`
	SourceID string `msgpack:"src"`
	TargetID string `msgpack:"tgt"`
}

// Element is one node of a process graph. Container elements hold their children by id.
type Element struct {
	ID          string      `msgpack:"id"`
	Name        string      `msgpack:"name,omitempty"`
	Type        ElementType `msgpack:"type"`
	FlowScopeID string      `msgpack:"fs,omitempty"`

	Incoming []string `msgpack:"in,omitempty"`
	Outgoing []string `msgpack:"out,omitempty"`

	// container structure
	Children          []string `msgpack:"children,omitempty"`
	NoneStartEvent    string   `msgpack:"start,omitempty"`
	StartEvents       []string `msgpack:"starts,omitempty"`
	EventSubProcesses []string `msgpack:"esp,omitempty"`

	// activity structure
	BoundaryEvents []string `msgpack:"boundary,omitempty"`
	AttachedTo     string   `msgpack:"attachedTo,omitempty"`

	Event        *EventDefinition `msgpack:"event,omitempty"`
	Interrupting bool             `msgpack:"interrupting,omitempty"`

	InputMappings  []Mapping `msgpack:"inputs,omitempty"`
	OutputMappings []Mapping `msgpack:"outputs,omitempty"`

	CalledProcessID            string `msgpack:"called,omitempty"`
	PropagateAllChildVariables bool   `msgpack:"propagateAll,omitempty"`

	// multi-instance body
	Loop  *LoopCharacteristics `msgpack:"loop,omitempty"`
	Inner string               `msgpack:"inner,omitempty"`
}

// IsWaitState reports whether the element waits for an external COMPLETE_ELEMENT command.
func (e *Element) IsWaitState() bool {
	switch e.Type {
	case ElementServiceTask, ElementUserTask:
		return true
	}
	return false
}

// Process is a deployed, executable process graph.
type Process struct {
	ID       string                   `msgpack:"id"`
	Name     string                   `msgpack:"name,omitempty"`
	Elements map[string]*Element      `msgpack:"elements"`
	Flows    map[string]*SequenceFlow `msgpack:"flows"`
}

// NewProcess creates an empty process with its root element.
func NewProcess(id string) *Process {
	p := &Process{
		ID:       id,
		Elements: make(map[string]*Element),
		Flows:    make(map[string]*SequenceFlow),
	}
	p.Elements[id] = &Element{ID: id, Type: ElementProcess}
	return p
}

// Root returns the process element.
func (p *Process) Root() *Element {
	return p.Elements[p.ID]
}

// Element returns an element by id.
func (p *Process) Element(id string) (*Element, error) {
	el, ok := p.Elements[id]
	if !ok {
		return nil, fmt.Errorf("element '%s' in process '%s': %w", id, p.ID, errors.ErrElementNotFound)
	}
	return el, nil
}

// ElementFor returns an element by id and type. A multi-instance activity shares its id with
// the body that wraps it, so the type selects between the two.
func (p *Process) ElementFor(id string, t ElementType) (*Element, error) {
	el, err := p.Element(id)
	if err != nil {
		return nil, err
	}
	if el.Type == t {
		return el, nil
	}
	if el.Type == ElementMultiInstanceBody {
		if inner, ok := p.Elements[el.Inner]; ok && inner.Type == t {
			return inner, nil
		}
	}
	return nil, fmt.Errorf("element '%s' is %s not %s: %w", id, el.Type, t, errors.ErrElementNotFound)
}

// InnerActivity returns the activity repeated by a multi-instance body.
func (p *Process) InnerActivity(body *Element) (*Element, error) {
	inner, ok := p.Elements[body.Inner]
	if !ok {
		return nil, fmt.Errorf("inner activity of '%s': %w", body.ID, errors.ErrElementNotFound)
	}
	return inner, nil
}

// Flow returns a sequence flow by id.
func (p *Process) Flow(id string) (*SequenceFlow, error) {
	f, ok := p.Flows[id]
	if !ok {
		return nil, fmt.Errorf("sequence flow '%s' in process '%s': %w", id, p.ID, errors.ErrElementNotFound)
	}
	return f, nil
}

// Add adds an element to the process and links it into its flow scope.
func (p *Process) Add(el *Element) {
	if el.FlowScopeID == "" {
		el.FlowScopeID = p.ID
	}
	p.Elements[el.ID] = el
	if scope, ok := p.Elements[el.FlowScopeID]; ok {
		scope.Children = append(scope.Children, el.ID)
	}
}

// Connect adds a sequence flow between two elements.
func (p *Process) Connect(id string, source string, target string) {
	p.Flows[id] = &SequenceFlow{ID: id, SourceID: source, TargetID: target}
	if s, ok := p.Elements[source]; ok {
		s.Outgoing = append(s.Outgoing, id)
	}
	if t, ok := p.Elements[target]; ok {
		t.Incoming = append(t.Incoming, id)
	}
}
