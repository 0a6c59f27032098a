package model

import (
	"fmt"
	"slices"
	"sort"

	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// innerSuffix keys the repeated activity of a multi-instance body in Process.Elements.
const innerSuffix = "#inner"

// Finalize derives the executable structure of a process once every element and flow has been
// added: multi-instance activities are wrapped in a body, boundary events are attached, and start
// events and event sub-processes are indexed on their containers. Finalize validates the graph
// and is idempotent.
func (p *Process) Finalize() error {
	for _, id := range p.elementIDs() {
		el := p.Elements[id]
		if el.Loop != nil && el.Type != ElementMultiInstanceBody {
			p.wrapMultiInstance(el)
		}
	}
	ids := p.elementIDs()

	for _, id := range ids {
		el := p.Elements[id]
		if el.Type != ElementBoundaryEvent {
			continue
		}
		host, ok := p.Elements[el.AttachedTo]
		if !ok {
			return fmt.Errorf("boundary event '%s' attached to '%s': %w", el.ID, el.AttachedTo, errors.ErrElementNotFound)
		}
		if el.Event == nil {
			return &errors.ErrWorkflowFatal{Err: fmt.Errorf("boundary event '%s' has no event definition", el.ID)}
		}
		if !slices.Contains(host.BoundaryEvents, el.ID) {
			host.BoundaryEvents = append(host.BoundaryEvents, el.ID)
		}
		el.FlowScopeID = host.FlowScopeID
	}

	for _, id := range ids {
		el := p.Elements[id]
		if !el.Type.IsContainer() || el.Type == ElementMultiInstanceBody {
			continue
		}
		el.StartEvents = el.StartEvents[:0]
		el.EventSubProcesses = el.EventSubProcesses[:0]
		el.NoneStartEvent = ""
		for _, cid := range el.Children {
			child, ok := p.Elements[cid]
			if !ok {
				return fmt.Errorf("child '%s' of '%s': %w", cid, el.ID, errors.ErrElementNotFound)
			}
			switch child.Type {
			case ElementStartEvent:
				el.StartEvents = append(el.StartEvents, cid)
				if child.Event == nil && el.NoneStartEvent == "" {
					el.NoneStartEvent = cid
				}
			case ElementEventSubProcess:
				el.EventSubProcesses = append(el.EventSubProcesses, cid)
			}
		}
		if el.Type == ElementEventSubProcess && len(el.StartEvents) != 1 {
			return &errors.ErrWorkflowFatal{Err: fmt.Errorf("event sub-process '%s' must have exactly one start event", el.ID)}
		}
	}

	flowIDs := make([]string, 0, len(p.Flows))
	for id := range p.Flows {
		flowIDs = append(flowIDs, id)
	}
	sort.Strings(flowIDs)
	for _, id := range flowIDs {
		f := p.Flows[id]
		src, ok := p.Elements[f.SourceID]
		if !ok {
			return fmt.Errorf("source '%s' of flow '%s': %w", f.SourceID, id, errors.ErrElementNotFound)
		}
		tgt, ok := p.Elements[f.TargetID]
		if !ok {
			return fmt.Errorf("target '%s' of flow '%s': %w", f.TargetID, id, errors.ErrElementNotFound)
		}
		if src.FlowScopeID != tgt.FlowScopeID {
			return &errors.ErrWorkflowFatal{Err: fmt.Errorf("flow '%s' crosses a scope boundary", id)}
		}
	}
	return nil
}

func (p *Process) elementIDs() []string {
	ids := make([]string, 0, len(p.Elements))
	for id := range p.Elements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// wrapMultiInstance replaces el with a multi-instance body under the same id. The body takes
// over the flows and boundary events, the activity moves inside it.
func (p *Process) wrapMultiInstance(el *Element) {
	body := &Element{
		ID:             el.ID,
		Name:           el.Name,
		Type:           ElementMultiInstanceBody,
		FlowScopeID:    el.FlowScopeID,
		Incoming:       el.Incoming,
		Outgoing:       el.Outgoing,
		BoundaryEvents: el.BoundaryEvents,
		Loop:           el.Loop,
		Inner:          el.ID + innerSuffix,
		Children:       []string{el.ID + innerSuffix},
	}
	inner := *el
	inner.FlowScopeID = el.ID
	inner.Incoming = nil
	inner.Outgoing = nil
	inner.BoundaryEvents = nil
	inner.Loop = nil
	p.Elements[el.ID] = body
	p.Elements[body.Inner] = &inner
}
