package workflow

import (
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors/keys"
)

// ElementContext is an element instance together with the definition it runs.
// Transitions keep Instance in step with the directory.
type ElementContext struct {
	Process  *model.DeployedProcess
	Element  *model.Element
	Instance *model.ElementInstance
}

// Key returns the element instance key.
func (ec *ElementContext) Key() int64 {
	return ec.Instance.Key
}

// FlowScopeKey returns the key of the enclosing scope, 0 for a process instance.
func (ec *ElementContext) FlowScopeKey() int64 {
	return ec.Instance.FlowScopeKey
}

// ProcessInstanceKey returns the key of the process instance the element runs in.
func (ec *ElementContext) ProcessInstanceKey() int64 {
	return ec.Instance.ProcessInstanceKey
}

func (ec *ElementContext) logAttrs() []any {
	return []any{
		keys.ElementID, ec.Instance.ElementID,
		keys.ElementType, ec.Instance.ElementType,
		keys.ElementInstanceKey, ec.Instance.Key,
		keys.ProcessInstanceKey, ec.Instance.ProcessInstanceKey,
	}
}
