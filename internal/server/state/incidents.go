package state

import (
	"fmt"
	"slices"

	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// ErrIncidentNotFound is returned for an unknown incident key.
var ErrIncidentNotFound = fmt.Errorf("incident: %w", errors.ErrElementInstanceNotFound)

// Incidents holds the open incidents of the partition.
type Incidents struct {
	j         *Journal
	incidents map[int64]model.IncidentValue
	byElement map[int64][]int64
}

func newIncidents(j *Journal) *Incidents {
	return &Incidents{
		j:         j,
		incidents: make(map[int64]model.IncidentValue),
		byElement: make(map[int64][]int64),
	}
}

// Create stores an open incident.
func (s *Incidents) Create(key int64, v *model.IncidentValue) {
	put(s.j, s.incidents, key, *v)
	appendKey(s.j, s.byElement, v.ElementInstanceKey, key)
}

// Get returns an open incident.
func (s *Incidents) Get(key int64) (*model.IncidentValue, bool) {
	v, ok := s.incidents[key]
	return &v, ok
}

// Remove deletes an incident.
func (s *Incidents) Remove(key int64) {
	v, ok := s.incidents[key]
	if !ok {
		return
	}
	removeKey(s.j, s.byElement, v.ElementInstanceKey, key)
	del(s.j, s.incidents, key)
}

// ForElement returns the keys of the open incidents of an element instance in creation order.
func (s *Incidents) ForElement(elementInstanceKey int64) []int64 {
	keys := slices.Clone(s.byElement[elementInstanceKey])
	slices.Sort(keys)
	return keys
}
