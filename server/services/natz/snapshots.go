package natz

import (
	"context"
	errors2 "errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// SnapshotStore keeps the latest state snapshot of a partition. The snapshot itself lives in an
// object store, and a key-value entry points at the current one. The pointer is only moved once
// the new object is complete, so a partially written snapshot is never loaded.
type SnapshotStore struct {
	index     jetstream.KeyValue
	objects   jetstream.ObjectStore
	partition int
}

type snapshotRef struct {
	Position int64  `msgpack:"pos"`
	Object   string `msgpack:"obj"`
}

// Save stores a snapshot taken at a log position and removes the one it replaces.
func (s *SnapshotStore) Save(ctx context.Context, position int64, snapshot []byte) error {
	prev, err := s.ref(ctx)
	if err != nil && !errors2.Is(err, errors.ErrSnapshotNotFound) {
		return err
	}
	ref := &snapshotRef{Position: position, Object: fmt.Sprintf("partition-%d-%020d", s.partition, position)}
	if _, err := s.objects.PutBytes(ctx, ref.Object, snapshot); err != nil {
		return fmt.Errorf("save snapshot object: %w", err)
	}
	b, err := msgpack.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode snapshot reference: %w", err)
	}
	if _, err := s.index.Put(ctx, s.key(), b); err != nil {
		return fmt.Errorf("save snapshot reference: %w", err)
	}
	if prev != nil && prev.Object != ref.Object {
		if err := s.objects.Delete(ctx, prev.Object); err != nil && !errors2.Is(err, jetstream.ErrObjectNotFound) {
			logx.FromContext(ctx).Warn("remove replaced snapshot", slog.String("object", prev.Object), slog.Any("error", err))
		}
	}
	return nil
}

// Load returns the latest snapshot, or errors.ErrSnapshotNotFound.
func (s *SnapshotStore) Load(ctx context.Context) ([]byte, error) {
	ref, err := s.ref(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.objects.GetBytes(ctx, ref.Object)
	if err != nil {
		return nil, fmt.Errorf("load snapshot object %s: %w", ref.Object, err)
	}
	return b, nil
}

func (s *SnapshotStore) ref(ctx context.Context) (*snapshotRef, error) {
	entry, err := s.index.Get(ctx, s.key())
	if errors2.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("partition %d: %w", s.partition, errors.ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot reference: %w", err)
	}
	ref := &snapshotRef{}
	if err := msgpack.Unmarshal(entry.Value(), ref); err != nil {
		return nil, fmt.Errorf("decode snapshot reference: %w", err)
	}
	return ref, nil
}

func (s *SnapshotStore) key() string {
	return "partition." + strconv.Itoa(s.partition)
}
