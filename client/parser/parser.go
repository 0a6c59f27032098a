// Package parser imports BPMN 2.0 XML documents with zeebe style extension elements into
// executable process models.
package parser

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// Parse reads a BPMN document and returns every executable process it defines.
func Parse(ctx context.Context, eng expression.Engine, r io.Reader) ([]*model.Process, error) {
	doc, err := xmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse bpmn xml: %w", err)
	}
	defs := findChild(doc, "definitions")
	if defs == nil {
		return nil, fmt.Errorf("parse bpmn: %w", &valError{Err: errors.ErrInvalidModel, Context: "no definitions element"})
	}
	msgs, err := parseMessages(defs)
	if err != nil {
		return nil, err
	}

	var ret []*model.Process
	for _, pn := range children(defs, "process") {
		if pn.SelectAttr("isExecutable") == "false" {
			continue
		}
		pr := &processReader{msgs: msgs, seen: make(map[string]struct{})}
		p, err := pr.read(pn)
		if err != nil {
			return nil, fmt.Errorf("parse process '%s': %w", pn.SelectAttr("id"), err)
		}
		if err := validProcess(ctx, eng, p); err != nil {
			return nil, fmt.Errorf("invalid process '%s': %w", p.ID, err)
		}
		ret = append(ret, p)
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("parse bpmn: %w", &valError{Err: errors.ErrInvalidModel, Context: "no executable process"})
	}
	return ret, nil
}

type message struct {
	name           string
	correlationKey string
}

func parseMessages(defs *xmlquery.Node) (map[string]message, error) {
	ret := make(map[string]message)
	for _, mn := range children(defs, "message") {
		id := mn.SelectAttr("id")
		if id == "" {
			return nil, fmt.Errorf("parse messages: %w", &valError{Err: errors.ErrMissingID, Context: mn.SelectAttr("name")})
		}
		m := message{name: mn.SelectAttr("name")}
		if sub := extension(mn, "subscription"); sub != nil {
			m.correlationKey = sub.SelectAttr("correlationKey")
		}
		if err := validName(m.name); err != nil {
			return nil, fmt.Errorf("invalid message name: %w", err)
		}
		ret[id] = m
	}
	return ret, nil
}

type processReader struct {
	p     *model.Process
	msgs  map[string]message
	seen  map[string]struct{}
	flows []*xmlquery.Node
}

func (r *processReader) read(pn *xmlquery.Node) (*model.Process, error) {
	id := pn.SelectAttr("id")
	if err := validName(id); err != nil {
		return nil, fmt.Errorf("invalid process id: %w", err)
	}
	r.p = model.NewProcess(id)
	r.p.Name = pn.SelectAttr("name")
	r.p.Root().Name = r.p.Name
	r.seen[id] = struct{}{}
	if err := r.readScope(pn, id); err != nil {
		return nil, err
	}
	for _, fn := range r.flows {
		r.p.Connect(fn.SelectAttr("id"), fn.SelectAttr("sourceRef"), fn.SelectAttr("targetRef"))
	}
	if err := r.p.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	return r.p, nil
}

// readScope adds the flow nodes of a container. Children are added after their container so
// that they are linked into it.
func (r *processReader) readScope(scope *xmlquery.Node, scopeID string) error {
	for n := scope.FirstChild; n != nil; n = n.NextSibling {
		if n.Type != xmlquery.ElementNode {
			continue
		}
		if n.Data == "sequenceFlow" {
			if err := r.claim(n); err != nil {
				return err
			}
			r.flows = append(r.flows, n)
			continue
		}
		t, ok := elementTypes[n.Data]
		if !ok {
			continue
		}
		if err := r.claim(n); err != nil {
			return err
		}
		el := &model.Element{
			ID:          n.SelectAttr("id"),
			Name:        n.SelectAttr("name"),
			Type:        t,
			FlowScopeID: scopeID,
		}
		if t == model.ElementSubProcess && n.SelectAttr("triggeredByEvent") == "true" {
			el.Type = model.ElementEventSubProcess
		}
		if err := r.readElement(n, el); err != nil {
			return fmt.Errorf("element '%s': %w", el.ID, err)
		}
		r.p.Add(el)
		if el.Type == model.ElementSubProcess || el.Type == model.ElementEventSubProcess {
			if err := r.readScope(n, el.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

var elementTypes = map[string]model.ElementType{
	"startEvent":             model.ElementStartEvent,
	"endEvent":               model.ElementEndEvent,
	"intermediateCatchEvent": model.ElementIntermediateCatchEvent,
	"boundaryEvent":          model.ElementBoundaryEvent,
	"serviceTask":            model.ElementServiceTask,
	"userTask":               model.ElementUserTask,
	"manualTask":             model.ElementManualTask,
	"task":                   model.ElementTask,
	"receiveTask":            model.ElementReceiveTask,
	"callActivity":           model.ElementCallActivity,
	"subProcess":             model.ElementSubProcess,
}

func (r *processReader) claim(n *xmlquery.Node) error {
	id := n.SelectAttr("id")
	if id == "" {
		return fmt.Errorf("model validation failed: %w", &valError{Err: errors.ErrMissingID, Context: n.Data + " " + n.SelectAttr("name")})
	}
	if _, dup := r.seen[id]; dup {
		return fmt.Errorf("model validation failed: %w", &valError{Err: errors.ErrDuplicateID, Context: id})
	}
	r.seen[id] = struct{}{}
	return nil
}

func (r *processReader) readElement(n *xmlquery.Node, el *model.Element) error {
	switch el.Type {
	case model.ElementBoundaryEvent:
		el.AttachedTo = n.SelectAttr("attachedToRef")
		el.Interrupting = n.SelectAttr("cancelActivity") != "false"
	case model.ElementStartEvent:
		el.Interrupting = n.SelectAttr("isInterrupting") != "false"
	case model.ElementReceiveTask:
		ev, err := r.messageDefinition(n.SelectAttr("messageRef"))
		if err != nil {
			return err
		}
		el.Event = ev
	case model.ElementCallActivity:
		ce := extension(n, "calledElement")
		if ce == nil || ce.SelectAttr("processId") == "" {
			return &valError{Err: errors.ErrInvalidModel, Context: "call activity without a called process"}
		}
		el.CalledProcessID = ce.SelectAttr("processId")
		el.PropagateAllChildVariables = ce.SelectAttr("propagateAllChildVariables") != "false"
	}

	if el.Type != model.ElementReceiveTask {
		ev, err := r.eventDefinition(n)
		if err != nil {
			return err
		}
		el.Event = ev
	}

	if iom := extension(n, "ioMapping"); iom != nil {
		el.InputMappings = mappings(iom, "input")
		el.OutputMappings = mappings(iom, "output")
	}

	if ln := findChild(n, "multiInstanceLoopCharacteristics"); ln != nil {
		el.Loop = loopCharacteristics(ln)
	}
	return nil
}

func (r *processReader) eventDefinition(n *xmlquery.Node) (*model.EventDefinition, error) {
	if mn := findChild(n, "messageEventDefinition"); mn != nil {
		return r.messageDefinition(mn.SelectAttr("messageRef"))
	}
	tn := findChild(n, "timerEventDefinition")
	if tn == nil {
		return nil, nil
	}
	ev := &model.EventDefinition{Type: model.EventTimer}
	if c := findChild(tn, "timeDuration"); c != nil {
		ev.TimeDuration = strings.TrimSpace(c.InnerText())
	}
	if c := findChild(tn, "timeDate"); c != nil {
		ev.TimeDate = strings.TrimSpace(c.InnerText())
	}
	if c := findChild(tn, "timeCycle"); c != nil {
		ev.TimeCycle = strings.TrimSpace(c.InnerText())
	}
	return ev, nil
}

func (r *processReader) messageDefinition(ref string) (*model.EventDefinition, error) {
	m, ok := r.msgs[ref]
	if !ok {
		return nil, &valError{Err: errors.ErrInvalidModel, Context: fmt.Sprintf("unknown message '%s'", ref)}
	}
	return &model.EventDefinition{Type: model.EventMessage, MessageName: m.name, CorrelationKey: m.correlationKey}, nil
}

func mappings(iom *xmlquery.Node, kind string) []model.Mapping {
	var ret []model.Mapping
	for _, m := range children(iom, kind) {
		ret = append(ret, model.Mapping{Source: m.SelectAttr("source"), Target: m.SelectAttr("target")})
	}
	return ret
}

func loopCharacteristics(n *xmlquery.Node) *model.LoopCharacteristics {
	loop := &model.LoopCharacteristics{IsSequential: n.SelectAttr("isSequential") == "true"}
	if lc := extension(n, "loopCharacteristics"); lc != nil {
		loop.InputCollection = lc.SelectAttr("inputCollection")
		loop.InputElement = lc.SelectAttr("inputElement")
		loop.OutputCollection = lc.SelectAttr("outputCollection")
		loop.OutputElement = lc.SelectAttr("outputElement")
	}
	if cc := findChild(n, "completionCondition"); cc != nil {
		loop.CompletionCondition = strings.TrimSpace(cc.InnerText())
	}
	return loop
}

// findChild returns the first child element with a local name.
func findChild(n *xmlquery.Node, name string) *xmlquery.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && c.Data == name {
			return c
		}
	}
	return nil
}

func children(n *xmlquery.Node, name string) []*xmlquery.Node {
	var ret []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && c.Data == name {
			ret = append(ret, c)
		}
	}
	return ret
}

func extension(n *xmlquery.Node, name string) *xmlquery.Node {
	ext := findChild(n, "extensionElements")
	if ext == nil {
		return nil
	}
	return findChild(ext, name)
}
