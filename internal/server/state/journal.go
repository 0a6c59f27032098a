package state

// Journal records how to undo every mutation made while processing one log record, so that a
// failed record leaves no trace in state.
type Journal struct {
	undo   []func()
	active bool
}

// Begin starts recording undo steps.
func (j *Journal) Begin() {
	j.undo = j.undo[:0]
	j.active = true
}

// Commit discards the recorded undo steps.
func (j *Journal) Commit() {
	j.undo = j.undo[:0]
	j.active = false
}

// Rollback undoes every mutation since Begin, newest first.
func (j *Journal) Rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:0]
	j.active = false
}

func (j *Journal) record(fn func()) {
	if j.active {
		j.undo = append(j.undo, fn)
	}
}

func put[K comparable, V any](j *Journal, m map[K]V, k K, v V) {
	old, existed := m[k]
	j.record(func() {
		if existed {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func del[K comparable, V any](j *Journal, m map[K]V, k K) {
	old, existed := m[k]
	if !existed {
		return
	}
	j.record(func() { m[k] = old })
	delete(m, k)
}

// appendKey adds a key to an indexed list without sharing the backing array with the undo copy.
func appendKey[K comparable](j *Journal, m map[K][]int64, k K, v int64) {
	cur := m[k]
	next := make([]int64, len(cur), len(cur)+1)
	copy(next, cur)
	put(j, m, k, append(next, v))
}

func removeKey[K comparable](j *Journal, m map[K][]int64, k K, v int64) {
	cur := m[k]
	next := make([]int64, 0, len(cur))
	for _, e := range cur {
		if e != v {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		del(j, m, k)
		return
	}
	put(j, m, k, next)
}
