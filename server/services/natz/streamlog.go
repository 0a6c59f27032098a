package natz

import (
	"context"
	errors2 "errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// StreamLog is a logstream.Log kept in a JetStream stream that holds one partition. A record's
// position is its stream sequence.
//
// Appends are fenced on the expected last sequence so that two writers can never interleave,
// and carry a message id derived from the position so that a retried publish is deduplicated.
type StreamLog struct {
	js        jetstream.JetStream
	stream    jetstream.Stream
	subject   string
	partition int

	mx    sync.Mutex
	last  int64
	known bool
}

// Append implements logstream.Log.
func (l *StreamLog) Append(ctx context.Context, recs ...*model.Record) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if !l.known {
		last, err := l.LastPosition(ctx)
		if err != nil {
			return err
		}
		l.last, l.known = last, true
	}
	for _, r := range recs {
		next := l.last + 1
		r.Position = next
		b, err := logstream.EncodeRecord(r)
		if err != nil {
			return fmt.Errorf("append record %d: %w", next, err)
		}
		msg := nats.NewMsg(l.subject)
		msg.Data = b
		ack, err := l.js.PublishMsg(ctx, msg,
			jetstream.WithExpectLastSequence(uint64(l.last)),
			jetstream.WithMsgID(fmt.Sprintf("%d-%d", l.partition, next)))
		if err != nil {
			l.known = false
			return fmt.Errorf("append record %d: %w", next, err)
		}
		if ack.Duplicate || int64(ack.Sequence) != next {
			l.known = false
			return fmt.Errorf("append record %d: stored at sequence %d", next, ack.Sequence)
		}
		l.last = next
	}
	return nil
}

// Read implements logstream.Log.
func (l *StreamLog) Read(ctx context.Context, position int64) (*model.Record, error) {
	if position < 1 {
		return nil, fmt.Errorf("read position %d: %w", position, errors.ErrEndOfLog)
	}
	msg, err := l.stream.GetMsg(ctx, uint64(position))
	if errors2.Is(err, jetstream.ErrMsgNotFound) {
		return nil, fmt.Errorf("read position %d: %w", position, errors.ErrEndOfLog)
	}
	if err != nil {
		return nil, fmt.Errorf("read position %d: %w", position, err)
	}
	rec, err := logstream.DecodeRecord(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("read position %d: %w", position, err)
	}
	rec.Position = int64(msg.Sequence)
	return rec, nil
}

// LastPosition implements logstream.Log.
func (l *StreamLog) LastPosition(ctx context.Context) (int64, error) {
	info, err := l.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("get log stream info: %w", err)
	}
	return int64(info.State.LastSeq), nil
}
