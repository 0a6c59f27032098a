package state

import (
	"bytes"
	"slices"
)

// EventTrigger is an event that has occurred for an element instance and not yet been consumed.
// ElementID names the catching element: the instance itself, one of its boundary events, or the
// start event of one of its event sub-processes.
type EventTrigger struct {
	ElementID string `msgpack:"eid"`
	Variables []byte `msgpack:"vars,omitempty"`
	EventKey  int64  `msgpack:"key"`
}

// EventTriggers queues event triggers per element instance in arrival order.
type EventTriggers struct {
	j        *Journal
	triggers map[int64][]EventTrigger
}

func newEventTriggers(j *Journal) *EventTriggers {
	return &EventTriggers{j: j, triggers: make(map[int64][]EventTrigger)}
}

// Append queues a trigger for an element instance.
func (s *EventTriggers) Append(scopeKey int64, t EventTrigger) {
	cur := s.triggers[scopeKey]
	next := make([]EventTrigger, len(cur), len(cur)+1)
	copy(next, cur)
	t.Variables = bytes.Clone(t.Variables)
	put(s.j, s.triggers, scopeKey, append(next, t))
}

// Peek returns the oldest trigger of an element instance.
func (s *EventTriggers) Peek(scopeKey int64) (*EventTrigger, bool) {
	cur := s.triggers[scopeKey]
	if len(cur) == 0 {
		return nil, false
	}
	t := cur[0]
	return &t, true
}

// Pop removes and returns the oldest trigger of an element instance.
func (s *EventTriggers) Pop(scopeKey int64) (*EventTrigger, bool) {
	t, ok := s.Peek(scopeKey)
	if !ok {
		return nil, false
	}
	cur := s.triggers[scopeKey]
	if len(cur) == 1 {
		del(s.j, s.triggers, scopeKey)
	} else {
		put(s.j, s.triggers, scopeKey, slices.Clone(cur[1:]))
	}
	return t, true
}

// Clear drops every trigger of an element instance.
func (s *EventTriggers) Clear(scopeKey int64) {
	del(s.j, s.triggers, scopeKey)
}

// Len returns the number of triggers queued for an element instance.
func (s *EventTriggers) Len(scopeKey int64) int {
	return len(s.triggers[scopeKey])
}

// AwaitingResults maps process instances created with await-result to the request waiting for
// their outcome.
type AwaitingResults struct {
	j        *Journal
	requests map[int64]string
}

func newAwaitingResults(j *Journal) *AwaitingResults {
	return &AwaitingResults{j: j, requests: make(map[int64]string)}
}

// Await records that a request waits for the outcome of a process instance.
func (s *AwaitingResults) Await(processInstanceKey int64, requestID string) {
	put(s.j, s.requests, processInstanceKey, requestID)
}

// Take removes and returns the request waiting for a process instance, if any.
func (s *AwaitingResults) Take(processInstanceKey int64) (string, bool) {
	r, ok := s.requests[processInstanceKey]
	if ok {
		del(s.j, s.requests, processInstanceKey)
	}
	return r, ok
}
