package workflow

import (
	"context"

	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/errors/keys"
)

// IncidentBehavior records failures that halt an element instance until they are resolved.
type IncidentBehavior struct {
	state  *state.State
	writer *logstream.Writer
}

// CreateIncident records a failure raised by a lifecycle hook of an element instance.
// Resolving the incident runs the hook again.
func (b *IncidentBehavior) CreateIncident(ctx context.Context, f *errors.Failure, ec *ElementContext, hook model.LifecycleHook) int64 {
	key := b.state.Keys.Next()
	v := &model.IncidentValue{
		ErrorType:          f.Type,
		ErrorMessage:       f.Error(),
		BpmnProcessID:      ec.Instance.BpmnProcessID,
		ProcessInstanceKey: ec.ProcessInstanceKey(),
		ElementID:          ec.Instance.ElementID,
		ElementInstanceKey: ec.Key(),
		Hook:               hook,
	}
	b.state.Incidents.Create(key, v)
	b.writer.Append(incidentEvent(key, model.Created, v))
	logx.FromContext(ctx).Warn("incident created", append(ec.logAttrs(), keys.IncidentKey, key, "type", f.Type, "error", f.Error())...)
	return key
}

// ResolveIncidents resolves every open incident of an element instance without retrying it.
func (b *IncidentBehavior) ResolveIncidents(ctx context.Context, ec *ElementContext) {
	for _, key := range b.state.Incidents.ForElement(ec.Key()) {
		b.resolve(ctx, key)
	}
}

func (b *IncidentBehavior) resolve(ctx context.Context, key int64) (*model.IncidentValue, bool) {
	v, ok := b.state.Incidents.Get(key)
	if !ok {
		return nil, false
	}
	b.state.Incidents.Remove(key)
	b.writer.Append(incidentEvent(key, model.Resolved, v))
	logx.FromContext(ctx).Info("incident resolved", keys.IncidentKey, key, keys.ElementInstanceKey, v.ElementInstanceKey)
	return v, true
}
