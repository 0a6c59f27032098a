package parser

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

func parseFile(t *testing.T, name string) map[string]*model.Process {
	t.Helper()
	f, err := os.Open("../../testdata/" + name)
	require.NoError(t, err)
	defer f.Close()
	ps, err := Parse(context.Background(), &expression.ExprEngine{}, f)
	require.NoError(t, err)
	ret := make(map[string]*model.Process, len(ps))
	for _, p := range ps {
		ret[p.ID] = p
	}
	return ret
}

func TestParseProcesses(t *testing.T) {
	t.Parallel()
	ps := parseFile(t, "order-fulfilment.bpmn")
	require.Len(t, ps, 3, "non-executable processes are skipped")
	assert.Contains(t, ps, "OrderFulfilment")
	assert.Contains(t, ps, "Invoicing")
	assert.Contains(t, ps, "Nightly")

	p := ps["OrderFulfilment"]
	assert.Equal(t, "Order fulfilment", p.Name)
	root := p.Root()
	assert.Equal(t, "Start", root.NoneStartEvent)
	assert.Equal(t, []string{"Cancellation"}, root.EventSubProcesses)

	check := p.Elements["Check"]
	assert.Equal(t, model.ElementServiceTask, check.Type)
	assert.Equal(t, []string{"Flow_start_check"}, check.Incoming)
	assert.Equal(t, []string{"Flow_check_pay"}, check.Outgoing)
	assert.Equal(t, []model.Mapping{{Source: "= order.lines", Target: "lines"}}, check.InputMappings)
	assert.Equal(t, []model.Mapping{{Source: "= available", Target: "inStock"}}, check.OutputMappings)

	flow := p.Flows["Flow_pay_ship"]
	require.NotNil(t, flow)
	assert.Equal(t, "AwaitPayment", flow.SourceID)
	assert.Equal(t, "Ship", flow.TargetID)
}

func TestParseEvents(t *testing.T) {
	t.Parallel()
	ps := parseFile(t, "order-fulfilment.bpmn")
	p := ps["OrderFulfilment"]

	wait := p.Elements["AwaitPayment"]
	assert.Equal(t, model.ElementReceiveTask, wait.Type)
	assert.Equal(t, &model.EventDefinition{Type: model.EventMessage, MessageName: "PaymentReceived", CorrelationKey: "= orderId"}, wait.Event)

	reminder := p.Elements["Reminder"]
	assert.Equal(t, model.ElementBoundaryEvent, reminder.Type)
	assert.Equal(t, "Ship", reminder.AttachedTo)
	assert.False(t, reminder.Interrupting)
	assert.Equal(t, "PT4H", reminder.Event.TimeDuration)
	assert.Equal(t, model.EventTimer, reminder.Event.Type)
	assert.Equal(t, []string{"Reminder"}, p.Elements["Ship"].BoundaryEvents)
	assert.Equal(t, "OrderFulfilment", reminder.FlowScopeID)

	esp := p.Elements["Cancellation"]
	assert.Equal(t, model.ElementEventSubProcess, esp.Type)
	assert.Equal(t, []string{"CancelStart"}, esp.StartEvents)
	start := p.Elements["CancelStart"]
	assert.True(t, start.Interrupting)
	assert.Equal(t, "OrderCancelled", start.Event.MessageName)

	nightly := ps["Nightly"]
	assert.Equal(t, "R/PT24H", nightly.Elements["Tick"].Event.TimeCycle)
	assert.Empty(t, nightly.Root().NoneStartEvent)
	assert.Equal(t, "2030-01-01T00:00:00Z", nightly.Elements["Report"].Event.TimeDate)
}

func TestParseContainers(t *testing.T) {
	t.Parallel()
	p := parseFile(t, "order-fulfilment.bpmn")["OrderFulfilment"]

	ship := p.Elements["Ship"]
	assert.Equal(t, model.ElementSubProcess, ship.Type)
	assert.Equal(t, "ShipStart", ship.NoneStartEvent)
	assert.ElementsMatch(t, []string{"ShipStart", "Pack", "ShipEnd"}, ship.Children)

	body := p.Elements["Pack"]
	assert.Equal(t, model.ElementMultiInstanceBody, body.Type)
	assert.Equal(t, "Ship", body.FlowScopeID)
	require.NotNil(t, body.Loop)
	assert.False(t, body.Loop.IsSequential)
	assert.Equal(t, "= lines", body.Loop.InputCollection)
	assert.Equal(t, "line", body.Loop.InputElement)
	assert.Equal(t, "packed", body.Loop.OutputCollection)
	assert.Equal(t, "= parcel", body.Loop.OutputElement)
	assert.Equal(t, "= numberOfCompletedInstances >= 10", body.Loop.CompletionCondition)

	inner, err := p.InnerActivity(body)
	require.NoError(t, err)
	assert.Equal(t, model.ElementUserTask, inner.Type)
	assert.Equal(t, "Pack", inner.FlowScopeID)

	call := p.Elements["Invoice"]
	assert.Equal(t, model.ElementCallActivity, call.Type)
	assert.Equal(t, "Invoicing", call.CalledProcessID)
	assert.False(t, call.PropagateAllChildVariables)
	assert.Equal(t, []model.Mapping{{Source: "= orderId", Target: "reference"}}, call.InputMappings)
}

const header = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" xmlns:zeebe="http://camunda.org/schema/zeebe/1.0">`

func TestParseRejectsInvalidModels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		xml  string
		want error
	}{
		{"not xml", `<bpmn:definitions`, nil},
		{"no definitions", `<?xml version="1.0"?><other/>`, errors.ErrInvalidModel},
		{"no executable process", header + `<bpmn:process id="P" isExecutable="false"/></bpmn:definitions>`, errors.ErrInvalidModel},
		{"bad process id", header + `<bpmn:process id="bad id"><bpmn:startEvent id="s"/></bpmn:process></bpmn:definitions>`, errors.ErrInvalidModel},
		{"missing id", header + `<bpmn:process id="P"><bpmn:task name="t"/></bpmn:process></bpmn:definitions>`, errors.ErrMissingID},
		{"duplicate id", header + `<bpmn:process id="P"><bpmn:task id="t"/><bpmn:subProcess id="s"><bpmn:startEvent id="t"/></bpmn:subProcess></bpmn:process></bpmn:definitions>`, errors.ErrDuplicateID},
		{"unknown message", header + `<bpmn:process id="P"><bpmn:receiveTask id="r" messageRef="nope"/></bpmn:process></bpmn:definitions>`, errors.ErrInvalidModel},
		{"call without process", header + `<bpmn:process id="P"><bpmn:callActivity id="c"/></bpmn:process></bpmn:definitions>`, errors.ErrInvalidModel},
		{"dangling flow", header + `<bpmn:process id="P"><bpmn:startEvent id="s"/><bpmn:sequenceFlow id="f" sourceRef="s" targetRef="x"/></bpmn:process></bpmn:definitions>`, errors.ErrElementNotFound},
		{"unknown host", header + `<bpmn:process id="P"><bpmn:boundaryEvent id="b" attachedToRef="x"><bpmn:timerEventDefinition><bpmn:timeDuration>PT1M</bpmn:timeDuration></bpmn:timerEventDefinition></bpmn:boundaryEvent></bpmn:process></bpmn:definitions>`, errors.ErrElementNotFound},
		{"two timer kinds", header + `<bpmn:process id="P"><bpmn:intermediateCatchEvent id="i"><bpmn:timerEventDefinition><bpmn:timeDuration>PT1M</bpmn:timeDuration><bpmn:timeCycle>R/PT1M</bpmn:timeCycle></bpmn:timerEventDefinition></bpmn:intermediateCatchEvent></bpmn:process></bpmn:definitions>`, errors.ErrInvalidModel},
		{"bad date", header + `<bpmn:process id="P"><bpmn:intermediateCatchEvent id="i"><bpmn:timerEventDefinition><bpmn:timeDate>tomorrow</bpmn:timeDate></bpmn:timerEventDefinition></bpmn:intermediateCatchEvent></bpmn:process></bpmn:definitions>`, nil},
		{"bad expression", header + `<bpmn:process id="P"><bpmn:task id="t"><bpmn:extensionElements><zeebe:ioMapping><zeebe:input source="= a +" target="b"/></zeebe:ioMapping></bpmn:extensionElements></bpmn:task></bpmn:process></bpmn:definitions>`, nil},
		{"mapping without target", header + `<bpmn:process id="P"><bpmn:task id="t"><bpmn:extensionElements><zeebe:ioMapping><zeebe:output source="= a"/></zeebe:ioMapping></bpmn:extensionElements></bpmn:task></bpmn:process></bpmn:definitions>`, errors.ErrInvalidModel},
		{"loop without collection", header + `<bpmn:process id="P"><bpmn:task id="t"><bpmn:multiInstanceLoopCharacteristics/></bpmn:task></bpmn:process></bpmn:definitions>`, errors.ErrInvalidModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(context.Background(), &expression.ExprEngine{}, strings.NewReader(tt.xml))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestValidName(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validName("Order-Process_1.v2"))
	assert.Error(t, validName(""))
	assert.Error(t, validName(".leading"))
	assert.Error(t, validName("trailing."))
	assert.Error(t, validName("has space"))
}
