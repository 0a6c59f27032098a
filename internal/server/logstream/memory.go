package logstream

import (
	"context"
	"fmt"
	"sync"

	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// MemoryLog is a Log held in memory. Records are stored encoded, so reading one back always
// returns a fresh copy.
type MemoryLog struct {
	mx      sync.RWMutex
	entries [][]byte
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, recs ...*model.Record) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	encoded := make([][]byte, 0, len(recs))
	next := int64(len(l.entries))
	for _, r := range recs {
		next++
		r.Position = next
		b, err := EncodeRecord(r)
		if err != nil {
			return fmt.Errorf("append record %d: %w", next, err)
		}
		encoded = append(encoded, b)
	}
	l.entries = append(l.entries, encoded...)
	return nil
}

// Read implements Log.
func (l *MemoryLog) Read(_ context.Context, position int64) (*model.Record, error) {
	l.mx.RLock()
	defer l.mx.RUnlock()
	if position < 1 || position > int64(len(l.entries)) {
		return nil, fmt.Errorf("read position %d: %w", position, errors.ErrEndOfLog)
	}
	return DecodeRecord(l.entries[position-1])
}

// LastPosition implements Log.
func (l *MemoryLog) LastPosition(_ context.Context) (int64, error) {
	l.mx.RLock()
	defer l.mx.RUnlock()
	return int64(len(l.entries)), nil
}

// Records returns every record of the log in position order.
func (l *MemoryLog) Records() ([]*model.Record, error) {
	l.mx.RLock()
	defer l.mx.RUnlock()
	ret := make([]*model.Record, 0, len(l.entries))
	for _, b := range l.entries {
		r, err := DecodeRecord(b)
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, nil
}
