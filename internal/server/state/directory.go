package state

import (
	"cmp"
	"fmt"
	"slices"

	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// ElementInstanceDirectory holds the persisted record of every running element occurrence.
// Instances are stored by value; callers always receive copies and write changes back with Update.
type ElementInstanceDirectory struct {
	j         *Journal
	instances map[int64]model.ElementInstance
	children  map[int64][]int64
}

func newElementInstanceDirectory(j *Journal) *ElementInstanceDirectory {
	return &ElementInstanceDirectory{
		j:         j,
		instances: make(map[int64]model.ElementInstance),
		children:  make(map[int64][]int64),
	}
}

// Create stores a new element instance and links it to its flow scope.
func (d *ElementInstanceDirectory) Create(ei *model.ElementInstance) error {
	if _, ok := d.instances[ei.Key]; ok {
		return fmt.Errorf("create element instance %d: already exists", ei.Key)
	}
	if ei.FlowScopeKey != 0 {
		if _, ok := d.instances[ei.FlowScopeKey]; !ok {
			return fmt.Errorf("flow scope %d of %d: %w", ei.FlowScopeKey, ei.Key, errors.ErrElementInstanceNotFound)
		}
		appendKey(d.j, d.children, ei.FlowScopeKey, ei.Key)
	}
	put(d.j, d.instances, ei.Key, *ei)
	return nil
}

// Get returns a copy of an element instance.
func (d *ElementInstanceDirectory) Get(key int64) (*model.ElementInstance, error) {
	ei, ok := d.instances[key]
	if !ok {
		return nil, fmt.Errorf("get element instance %d: %w", key, errors.ErrElementInstanceNotFound)
	}
	return &ei, nil
}

// Exists reports whether an element instance is stored.
func (d *ElementInstanceDirectory) Exists(key int64) bool {
	_, ok := d.instances[key]
	return ok
}

// Update writes back a changed element instance.
func (d *ElementInstanceDirectory) Update(ei *model.ElementInstance) error {
	if _, ok := d.instances[ei.Key]; !ok {
		return fmt.Errorf("update element instance %d: %w", ei.Key, errors.ErrElementInstanceNotFound)
	}
	put(d.j, d.instances, ei.Key, *ei)
	return nil
}

// Remove deletes an element instance and unlinks it from its flow scope.
func (d *ElementInstanceDirectory) Remove(key int64) {
	ei, ok := d.instances[key]
	if !ok {
		return
	}
	if ei.FlowScopeKey != 0 {
		removeKey(d.j, d.children, ei.FlowScopeKey, key)
	}
	del(d.j, d.instances, key)
}

// Children returns copies of the child instances of a flow scope ordered by key.
func (d *ElementInstanceDirectory) Children(flowScopeKey int64) []*model.ElementInstance {
	keys := slices.Clone(d.children[flowScopeKey])
	slices.Sort(keys)
	ret := make([]*model.ElementInstance, 0, len(keys))
	for _, k := range keys {
		ei := d.instances[k]
		ret = append(ret, &ei)
	}
	return ret
}

// SpawnPath records one more active execution path in a flow scope.
func (d *ElementInstanceDirectory) SpawnPath(flowScopeKey int64) error {
	ei, err := d.Get(flowScopeKey)
	if err != nil {
		return fmt.Errorf("spawn path: %w", err)
	}
	ei.ActivePaths++
	return d.Update(ei)
}

// ConsumePath records that an execution path in a flow scope has ended and returns the number of
// paths still active.
func (d *ElementInstanceDirectory) ConsumePath(flowScopeKey int64) (int32, error) {
	ei, err := d.Get(flowScopeKey)
	if err != nil {
		return 0, fmt.Errorf("consume path: %w", err)
	}
	if ei.ActivePaths > 0 {
		ei.ActivePaths--
	}
	if err := d.Update(ei); err != nil {
		return 0, err
	}
	return ei.ActivePaths, nil
}

// Modify applies fn to the stored instance and returns the updated copy.
func (d *ElementInstanceDirectory) Modify(key int64, fn func(ei *model.ElementInstance)) (*model.ElementInstance, error) {
	ei, err := d.Get(key)
	if err != nil {
		return nil, err
	}
	fn(ei)
	if err := d.Update(ei); err != nil {
		return nil, err
	}
	return ei, nil
}

// IncrementLoopCounter advances the multi-instance loop counter of a body and returns the new value.
func (d *ElementInstanceDirectory) IncrementLoopCounter(key int64) (int64, error) {
	ei, err := d.Modify(key, func(ei *model.ElementInstance) {
		ei.LoopCounter++
	})
	if err != nil {
		return 0, fmt.Errorf("increment loop counter: %w", err)
	}
	return ei.LoopCounter, nil
}

// Len returns the number of stored element instances.
func (d *ElementInstanceDirectory) Len() int {
	return len(d.instances)
}

// Find returns copies of the instances of an element ordered by key.
func (d *ElementInstanceDirectory) Find(elementID string) []*model.ElementInstance {
	var ret []*model.ElementInstance
	for _, ei := range d.instances {
		if ei.ElementID == elementID {
			ret = append(ret, &ei)
		}
	}
	slices.SortFunc(ret, func(a, b *model.ElementInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return ret
}
