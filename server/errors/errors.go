package errors

import (
	"errors"
	"fmt"
)

// ErrElementInstanceNotFound is raised when an element instance key does not resolve to a live instance.
var ErrElementInstanceNotFound = errors.New("element instance not found")

// ErrProcessNotFound is raised when a process definition cannot be located by key or BPMN process id.
var ErrProcessNotFound = errors.New("process not found")

// ErrElementNotFound is raised when an element id is not part of a deployed process.
var ErrElementNotFound = errors.New("element not found")

// ErrInvalidState is raised when a lifecycle transition is not legal from the recorded state.
var ErrInvalidState = errors.New("invalid state")

// ErrIndexOutOfRange is raised when a positional edit addresses an element outside of an array.
var ErrIndexOutOfRange = errors.New("index out of range")

// ErrNotAnArray is raised when an array operation is applied to a document that is not an array.
var ErrNotAnArray = errors.New("document is not an array")

// ErrNonDeterministicReplay is raised when re-processing produces records that differ from the log.
var ErrNonDeterministicReplay = errors.New("non-deterministic replay")

// ErrEndOfLog is returned when reading beyond the last written log position.
var ErrEndOfLog = errors.New("end of log")

// ErrIncompatibleSnapshot is returned when a snapshot was written by an incompatible engine version.
var ErrIncompatibleSnapshot = errors.New("incompatible snapshot")

// ErrSnapshotNotFound is returned when no snapshot has been stored for a partition.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrUnregisteredElementType is raised when no lifecycle handler exists for an element type.
var ErrUnregisteredElementType = errors.New("unregistered element type")

// ErrScopeNotFound is raised when a variable scope has not been created.
var ErrScopeNotFound = errors.New("variable scope not found")

// ErrInvalidModel is raised when an imported BPMN document cannot be turned into a process.
var ErrInvalidModel = errors.New("invalid process model")

// ErrMissingID is raised when a BPMN element has no id.
var ErrMissingID = errors.New("missing id")

// ErrDuplicateID is raised when two BPMN elements of a process share an id.
var ErrDuplicateID = errors.New("duplicate id")

// ErrEngineStopped is returned by an engine that halted on a fatal error.
var ErrEngineStopped = errors.New("engine stopped")

// ErrWorkflowFatal signifies that processing must halt: the deployed model or engine state is
// structurally unusable and retrying will not help.
type ErrWorkflowFatal struct {
	Err error
}

// Error returns the string version of the ErrWorkflowFatal error
func (e ErrWorkflowFatal) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped cause.
func (e ErrWorkflowFatal) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err, or anything it wraps, is a fatal processing error.
func IsFatal(err error) bool {
	var f *ErrWorkflowFatal
	var v ErrWorkflowFatal
	var b *BpmnProcessingError
	return errors.As(err, &f) || errors.As(err, &v) || errors.As(err, &b)
}

// BpmnProcessingError is raised by a lifecycle handler when the deployed model makes it impossible
// to continue, for example a process without a usable start path.
type BpmnProcessingError struct {
	ElementID          string
	ElementInstanceKey int64
	Msg                string
}

// Error returns the string version of the BpmnProcessingError error
func (e *BpmnProcessingError) Error() string {
	return fmt.Sprintf("bpmn processing of element '%s' (%d): %s", e.ElementID, e.ElementInstanceKey, e.Msg)
}

// Unwrap exposes the fatal classification of the error.
func (e *BpmnProcessingError) Unwrap() error {
	return &ErrWorkflowFatal{Err: errors.New(e.Msg)}
}

// FailureType classifies a failure that is reported as an incident.
type FailureType string

const (
	// IOMappingError is raised when an input or output mapping cannot be evaluated.
	IOMappingError FailureType = "IO_MAPPING_ERROR"
	// ExtractValueError is raised when an expression does not produce the required value.
	ExtractValueError FailureType = "EXTRACT_VALUE_ERROR"
	// CalledElementError is raised when a call activity cannot resolve the called process.
	CalledElementError FailureType = "CALLED_ELEMENT_ERROR"
	// ConditionError is raised when a condition cannot be evaluated to a boolean.
	ConditionError FailureType = "CONDITION_ERROR"
)

// Failure is an incident-worthy condition. It is returned as a value rather than raised, and a
// handler receiving one stops the transition and reports it.
type Failure struct {
	Type    FailureType
	Message string
	Err     error
}

// NewFailure creates a failure of the given type.
func NewFailure(t FailureType, err error, format string, args ...any) *Failure {
	return &Failure{Type: t, Message: fmt.Sprintf(format, args...), Err: err}
}

// Error returns the string version of the Failure
func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Message
	}
	return f.Message + ": " + f.Err.Error()
}

// Unwrap returns the wrapped cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// RejectionType is the reason code attached to a rejected command.
type RejectionType string

const (
	// RejectionNone is used for records that are not rejections.
	RejectionNone RejectionType = ""
	// RejectionNotFound means the command targets something that no longer exists.
	RejectionNotFound RejectionType = "NOT_FOUND"
	// RejectionInvalidState means the target exists but cannot accept the command in its current state.
	RejectionInvalidState RejectionType = "INVALID_STATE"
	// RejectionInvalidArgument means the command itself is malformed.
	RejectionInvalidArgument RejectionType = "INVALID_ARGUMENT"
	// RejectionAlreadyExists means the command would create something that already exists.
	RejectionAlreadyExists RejectionType = "ALREADY_EXISTS"
)

// Rejection is returned by a command processor to reject the command being processed.
type Rejection struct {
	Type   RejectionType
	Reason string
}

// Reject creates a new rejection.
func Reject(t RejectionType, format string, args ...any) *Rejection {
	return &Rejection{Type: t, Reason: fmt.Sprintf(format, args...)}
}

// Error returns the string version of the Rejection
func (r *Rejection) Error() string {
	return string(r.Type) + ": " + r.Reason
}
