package logstream

import (
	"context"
	errors2 "errors"
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// Writer collects the follow-up records produced while one record is processed and writes them
// to the log on Flush.
//
// Follow-up records of successive records appear in the log in processing order, interleaved only
// with externally submitted records, which have no source position. The writer keeps a cursor
// on the last follow-up it has written or verified. When the log already holds follow-ups past
// the cursor, as it does while a partition recovers, Flush checks that the new follow-ups are
// identical to them instead of appending.
type Writer struct {
	log     Log
	cursor  int64
	source  *model.Record
	pending []*model.Record
}

// NewWriter creates a writer whose cursor starts at the given position.
func NewWriter(log Log, cursor int64) *Writer {
	return &Writer{log: log, cursor: cursor}
}

// Begin starts collecting the follow-ups of a source record.
func (w *Writer) Begin(source *model.Record) {
	w.source = source
	w.pending = nil
}

// Append adds a follow-up record. It inherits the source position and timestamp of the record
// being processed.
func (w *Writer) Append(rec *model.Record) {
	if w.source != nil {
		rec.SourcePosition = w.source.Position
		rec.Timestamp = w.source.Timestamp
	}
	w.pending = append(w.pending, rec)
}

// Timestamp returns the timestamp of the record being processed.
func (w *Writer) Timestamp() int64 {
	if w.source == nil {
		return 0
	}
	return w.source.Timestamp
}

// Pending returns the follow-ups collected so far.
func (w *Writer) Pending() []*model.Record {
	return w.pending
}

// Discard drops the collected follow-ups.
func (w *Writer) Discard() {
	w.pending = nil
	w.source = nil
}

// Cursor returns the position of the last follow-up written or verified.
func (w *Writer) Cursor() int64 {
	return w.cursor
}

// Flush verifies the collected follow-ups against the log and appends those the log does not
// hold yet. It returns errors.ErrNonDeterministicReplay when the log holds different records.
func (w *Writer) Flush(ctx context.Context) error {
	pos := w.cursor
	i := 0
	for i < len(w.pending) {
		rec, err := w.log.Read(ctx, pos+1)
		if errors2.Is(err, errors.ErrEndOfLog) {
			break
		}
		if err != nil {
			return fmt.Errorf("read follow-up at %d: %w", pos+1, err)
		}
		pos++
		if rec.SourcePosition == 0 {
			continue
		}
		same, err := SameRecord(w.pending[i], rec)
		if err != nil {
			return fmt.Errorf("compare follow-up at %d: %w", pos, err)
		}
		if !same {
			return &errors.ErrWorkflowFatal{Err: fmt.Errorf("follow-up %d of record %d: logged %s, produced %s: %w",
				i, w.source.Position, rec, w.pending[i], errors.ErrNonDeterministicReplay)}
		}
		w.pending[i].Position = rec.Position
		i++
	}
	if rest := w.pending[i:]; len(rest) > 0 {
		if err := w.log.Append(ctx, rest...); err != nil {
			return fmt.Errorf("append follow-ups: %w", err)
		}
		pos = rest[len(rest)-1].Position
	}
	w.cursor = pos
	w.pending = nil
	w.source = nil
	return nil
}
