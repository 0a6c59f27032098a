package state

import (
	"slices"

	"gitlab.com/shar-workflow/shar-scopes/model"
)

// Timers holds the open timer subscriptions.
type Timers struct {
	j         *Journal
	timers    map[int64]model.TimerValue
	byElement map[int64][]int64
}

func newTimers(j *Journal) *Timers {
	return &Timers{j: j, timers: make(map[int64]model.TimerValue), byElement: make(map[int64][]int64)}
}

// Put stores a timer. Start event timers have no element instance.
func (s *Timers) Put(key int64, v *model.TimerValue) {
	put(s.j, s.timers, key, *v)
	appendKey(s.j, s.byElement, v.ElementInstanceKey, key)
}

// Get returns a timer.
func (s *Timers) Get(key int64) (*model.TimerValue, bool) {
	v, ok := s.timers[key]
	return &v, ok
}

// Remove deletes a timer.
func (s *Timers) Remove(key int64) {
	v, ok := s.timers[key]
	if !ok {
		return
	}
	removeKey(s.j, s.byElement, v.ElementInstanceKey, key)
	del(s.j, s.timers, key)
}

// ForElement returns the timers opened by an element instance, ordered by key.
func (s *Timers) ForElement(elementInstanceKey int64) []int64 {
	keys := slices.Clone(s.byElement[elementInstanceKey])
	slices.Sort(keys)
	return keys
}

// Due returns the keys of every timer due at or before the given time, ordered by due date then key.
func (s *Timers) Due(now int64) []int64 {
	var due []int64
	for k, v := range s.timers {
		if v.DueDate <= now {
			due = append(due, k)
		}
	}
	slices.SortFunc(due, func(a, b int64) int {
		da, db := s.timers[a].DueDate, s.timers[b].DueDate
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return due
}

// MessageSubscriptions holds the open message subscriptions, the message start correlation locks
// and the messages buffered behind them.
type MessageSubscriptions struct {
	j          *Journal
	subs       map[int64]model.MessageSubscriptionValue
	byElement  map[int64][]int64
	startLocks map[string]int64
	lockOf     map[int64]string
	buffered   map[string][]model.MessageValue
}

func newMessageSubscriptions(j *Journal) *MessageSubscriptions {
	return &MessageSubscriptions{
		j:          j,
		subs:       make(map[int64]model.MessageSubscriptionValue),
		byElement:  make(map[int64][]int64),
		startLocks: make(map[string]int64),
		lockOf:     make(map[int64]string),
		buffered:   make(map[string][]model.MessageValue),
	}
}

// Put stores a subscription.
func (s *MessageSubscriptions) Put(key int64, v *model.MessageSubscriptionValue) {
	put(s.j, s.subs, key, *v)
	appendKey(s.j, s.byElement, v.ElementInstanceKey, key)
}

// Get returns a subscription.
func (s *MessageSubscriptions) Get(key int64) (*model.MessageSubscriptionValue, bool) {
	v, ok := s.subs[key]
	return &v, ok
}

// Remove deletes a subscription.
func (s *MessageSubscriptions) Remove(key int64) {
	v, ok := s.subs[key]
	if !ok {
		return
	}
	removeKey(s.j, s.byElement, v.ElementInstanceKey, key)
	del(s.j, s.subs, key)
}

// ForElement returns the subscriptions opened by an element instance, ordered by key.
func (s *MessageSubscriptions) ForElement(elementInstanceKey int64) []int64 {
	keys := slices.Clone(s.byElement[elementInstanceKey])
	slices.Sort(keys)
	return keys
}

// Matching returns the subscriptions waiting for a message, ordered by key.
func (s *MessageSubscriptions) Matching(name string, correlationKey string) []int64 {
	var ret []int64
	for k, v := range s.subs {
		if v.MessageName == name && v.CorrelationKey == correlationKey {
			ret = append(ret, k)
		}
	}
	slices.Sort(ret)
	return ret
}

func lockKey(bpmnProcessID string, correlationKey string) string {
	return bpmnProcessID + "\x00" + correlationKey
}

// StartLock returns the process instance holding the message start lock for a correlation key.
func (s *MessageSubscriptions) StartLock(bpmnProcessID string, correlationKey string) (int64, bool) {
	k, ok := s.startLocks[lockKey(bpmnProcessID, correlationKey)]
	return k, ok
}

// Lock records that a process instance was started by a message with a correlation key.
func (s *MessageSubscriptions) Lock(bpmnProcessID string, correlationKey string, processInstanceKey int64) {
	lk := lockKey(bpmnProcessID, correlationKey)
	put(s.j, s.startLocks, lk, processInstanceKey)
	put(s.j, s.lockOf, processInstanceKey, lk)
}

// Unlock releases the lock held by a process instance, returning the lock key.
func (s *MessageSubscriptions) Unlock(processInstanceKey int64) (string, bool) {
	lk, ok := s.lockOf[processInstanceKey]
	if !ok {
		return "", false
	}
	del(s.j, s.lockOf, processInstanceKey)
	del(s.j, s.startLocks, lk)
	return lk, true
}

// Buffer queues a message until the lock for its correlation key is released.
func (s *MessageSubscriptions) Buffer(bpmnProcessID string, msg *model.MessageValue) {
	lk := lockKey(bpmnProcessID, msg.CorrelationKey)
	cur := s.buffered[lk]
	next := make([]model.MessageValue, len(cur), len(cur)+1)
	copy(next, cur)
	put(s.j, s.buffered, lk, append(next, *msg))
}

// PopBuffered removes and returns the oldest message buffered behind a lock key.
func (s *MessageSubscriptions) PopBuffered(lk string) (*model.MessageValue, bool) {
	cur := s.buffered[lk]
	if len(cur) == 0 {
		return nil, false
	}
	msg := cur[0]
	if len(cur) == 1 {
		del(s.j, s.buffered, lk)
	} else {
		put(s.j, s.buffered, lk, slices.Clone(cur[1:]))
	}
	return &msg, true
}
