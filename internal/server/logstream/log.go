// Package logstream is the engine's view of the partition log: an ordered sequence of records
// addressed by position, starting at 1.
package logstream

import (
	"context"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/model"
)

// Log is an append-only ordered record log.
//
//go:generate mockery
type Log interface {
	// Append writes records at the end of the log and assigns their positions.
	Append(ctx context.Context, recs ...*model.Record) error
	// Read returns the record at a position, or errors.ErrEndOfLog past the last one.
	Read(ctx context.Context, position int64) (*model.Record, error)
	// LastPosition returns the position of the last record, 0 for an empty log.
	LastPosition(ctx context.Context) (int64, error)
}

// EncodeRecord encodes a record for storage. Map keys are sorted so that a record produced
// again on replay encodes to the same bytes.
func EncodeRecord(rec *model.Record) ([]byte, error) {
	b, err := document.Encode(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

// DecodeRecord decodes a stored record.
func DecodeRecord(b []byte) (*model.Record, error) {
	rec := &model.Record{}
	if err := msgpack.Unmarshal(b, rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// SameRecord reports whether a freshly produced record matches a record read back from the log,
// ignoring the position. The fresh record is passed through the storage encoding first so that
// both sides have the same shape.
func SameRecord(fresh *model.Record, stored *model.Record) (bool, error) {
	b, err := EncodeRecord(fresh)
	if err != nil {
		return false, err
	}
	a, err := DecodeRecord(b)
	if err != nil {
		return false, err
	}
	s := *stored
	a.Position, s.Position = 0, 0
	return reflect.DeepEqual(a, &s), nil
}
