package workflow

import (
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

func lifecycleEvent(ei *model.ElementInstance, intent model.Intent) *model.Record {
	return &model.Record{
		Key:             ei.Key,
		RecordType:      model.RecordEvent,
		ValueType:       model.ValueProcessInstance,
		Intent:          intent,
		ProcessInstance: ei.Value(),
	}
}

func processInstanceCommand(key int64, intent model.Intent, v *model.ProcessInstanceValue) *model.Record {
	return &model.Record{
		Key:             key,
		RecordType:      model.RecordCommand,
		ValueType:       model.ValueProcessInstance,
		Intent:          intent,
		ProcessInstance: v,
	}
}

func incidentEvent(key int64, intent model.Intent, v *model.IncidentValue) *model.Record {
	return &model.Record{Key: key, RecordType: model.RecordEvent, ValueType: model.ValueIncident, Intent: intent, Incident: v}
}

func timerEvent(key int64, intent model.Intent, v *model.TimerValue) *model.Record {
	return &model.Record{Key: key, RecordType: model.RecordEvent, ValueType: model.ValueTimer, Intent: intent, Timer: v}
}

func subscriptionEvent(key int64, intent model.Intent, v *model.MessageSubscriptionValue) *model.Record {
	return &model.Record{Key: key, RecordType: model.RecordEvent, ValueType: model.ValueMessageSubscription, Intent: intent, Subscription: v}
}

func variableEvent(key int64, intent model.Intent, v *model.VariableValue) *model.Record {
	return &model.Record{Key: key, RecordType: model.RecordEvent, ValueType: model.ValueVariable, Intent: intent, Variable: v}
}

// followUp copies a command into the event that confirms it.
func followUp(cmd *model.Record, intent model.Intent) *model.Record {
	ret := *cmd
	ret.Position = 0
	ret.SourcePosition = 0
	ret.RecordType = model.RecordEvent
	ret.Intent = intent
	return &ret
}

// rejection copies a command into the rejection record that answers it.
func rejection(cmd *model.Record, r *errors.Rejection) *model.Record {
	ret := *cmd
	ret.Position = 0
	ret.SourcePosition = 0
	ret.RecordType = model.RecordRejection
	ret.RejectionType = r.Type
	ret.RejectionReason = r.Reason
	return &ret
}
