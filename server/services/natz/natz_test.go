package natz

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

func newService(t *testing.T) *NatsService {
	t.Helper()
	nsvr, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go nsvr.Start()
	require.True(t, nsvr.ReadyForConnections(5*time.Second), "start NATS")
	t.Cleanup(func() {
		nsvr.Shutdown()
		nsvr.WaitForShutdown()
	})

	conn, err := nats.Connect(nsvr.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	svc, err := NewNatsService(context.Background(), &NatsConnConfiguration{
		Conn:        conn,
		StorageType: jetstream.MemoryStorage,
		Prefix:      "test",
	})
	require.NoError(t, err)
	return svc
}

func command(key int64) *model.Record {
	return &model.Record{
		RecordType: model.RecordCommand,
		ValueType:  model.ValueProcessInstance,
		Intent:     model.Cancel,
		Key:        key,
	}
}

func TestStreamLog(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	l, err := svc.Log(ctx, 1)
	require.NoError(t, err)

	last, err := l.LastPosition(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)

	_, err = l.Read(ctx, 1)
	require.ErrorIs(t, err, errors.ErrEndOfLog)

	a, b := command(10), command(11)
	require.NoError(t, l.Append(ctx, a, b))
	assert.Equal(t, int64(1), a.Position)
	assert.Equal(t, int64(2), b.Position)

	last, err = l.LastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	rec, err := l.Read(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(11), rec.Key)
	assert.Equal(t, int64(2), rec.Position)

	_, err = l.Read(ctx, 0)
	require.ErrorIs(t, err, errors.ErrEndOfLog)
	_, err = l.Read(ctx, 3)
	require.ErrorIs(t, err, errors.ErrEndOfLog)
}

func TestStreamLogPartitionsAreSeparate(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	one, err := svc.Log(ctx, 1)
	require.NoError(t, err)
	two, err := svc.Log(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, one.Append(ctx, command(1), command(2)))
	r := command(3)
	require.NoError(t, two.Append(ctx, r))
	assert.Equal(t, int64(1), r.Position)

	again, err := svc.Log(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, one, again)
}

func TestStreamLogFencesConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	l, err := svc.Log(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, command(1)))

	// A second writer on the same stream with a stale view of the log.
	stale := &StreamLog{js: l.js, stream: l.stream, subject: l.subject, partition: 1, known: true}
	require.NoError(t, l.Append(ctx, command(2)))
	err = stale.Append(ctx, command(3))
	assert.Error(t, err)

	last, err := l.LastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	require.NoError(t, stale.Append(ctx, command(3)), "writer resynchronises after a failed append")
	last, err = l.LastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestSnapshotStore(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	s := svc.Snapshots(1)

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, errors.ErrSnapshotNotFound)

	require.NoError(t, s.Save(ctx, 10, []byte("first")))
	b, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), b)

	big := make([]byte, 3*1024*1024)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, s.Save(ctx, 20, big))
	b, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, big, b)

	_, err = svc.snapshots.GetInfo(ctx, "partition-1-00000000000000000010")
	assert.ErrorIs(t, err, jetstream.ErrObjectNotFound, "replaced snapshot is removed")

	_, err = svc.Snapshots(2).Load(ctx)
	require.ErrorIs(t, err, errors.ErrSnapshotNotFound)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(DefaultNatsConfig)
	require.NoError(t, err)
	require.Len(t, cfg.Streams, 1)
	assert.Equal(t, "LOG", cfg.Streams[0].Config.Name)
	assert.Equal(t, []string{"log"}, cfg.Streams[0].Config.Subjects)
	require.Len(t, cfg.KeyValue, 1)
	assert.Equal(t, "SNAPSHOT_INDEX", cfg.KeyValue[0].Config.Bucket)
	assert.Equal(t, uint8(1), cfg.KeyValue[0].Config.History)
	require.Len(t, cfg.Objects, 1)
	assert.Equal(t, "SNAPSHOT", cfg.Objects[0].Config.Bucket)

	_, err = ParseConfig("buckets: []")
	assert.Error(t, err)
}

func TestRequiresUpgrade(t *testing.T) {
	assert.True(t, requiresUpgrade("", "v0.4.0"))
	assert.True(t, requiresUpgrade("v0.3.9", "v0.4.0"))
	assert.False(t, requiresUpgrade("v0.4.0", "v0.4.0"))
	assert.False(t, requiresUpgrade("v0.5.0", "v0.4.0"))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "scopes.command.3", Subject("scopes", "command", 3))
}
