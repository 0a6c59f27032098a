package state

// KeyGenerator hands out keys in strictly increasing order. The counter is part of state, so a
// replay of the same records produces the same keys.
type KeyGenerator struct {
	j    *Journal
	next int64
}

// Next returns a new key.
func (k *KeyGenerator) Next() int64 {
	cur := k.next
	k.j.record(func() { k.next = cur })
	k.next++
	return k.next
}

// Peek returns the last key handed out.
func (k *KeyGenerator) Peek() int64 {
	return k.next
}
