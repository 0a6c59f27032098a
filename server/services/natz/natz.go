// Package natz holds the JetStream backed storage of a partition: the record log and the
// snapshot store.
package natz

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultNatsConfig holds the default topology.
//
//go:embed nats-config.yaml
var DefaultNatsConfig string

// NatsConnConfiguration represents the configuration for a NATS connection.
type NatsConnConfiguration struct {
	Conn            *nats.Conn
	StorageType     jetstream.StorageType
	JetStreamDomain string
	// Prefix namespaces every stream, bucket and subject.
	Prefix string
	// Config overrides the embedded topology.
	Config string
}

// NatsService provisions and hands out the JetStream objects partitions are stored in.
type NatsService struct {
	Js          jetstream.JetStream
	Conn        *nats.Conn
	StorageType jetstream.StorageType
	prefix      string
	cfg         *NatsConfig
	index       jetstream.KeyValue
	snapshots   jetstream.ObjectStore
	rwmx        sync.RWMutex
	logs        map[int]*StreamLog
}

// NewNatsService connects to JetStream and ensures the snapshot buckets exist.
func NewNatsService(ctx context.Context, nc *NatsConnConfiguration) (*NatsService, error) {
	var js jetstream.JetStream
	var err error
	if nc.JetStreamDomain != "" {
		js, err = jetstream.NewWithDomain(nc.Conn, nc.JetStreamDomain)
	} else {
		js, err = jetstream.New(nc.Conn)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to jetstream: %w", err)
	}

	raw := nc.Config
	if raw == "" {
		raw = DefaultNatsConfig
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	if len(cfg.KeyValue) == 0 || len(cfg.Objects) == 0 {
		return nil, fmt.Errorf("nats-config.yaml: a snapshot bucket and object store are required")
	}
	prefix := nc.Prefix
	if prefix == "" {
		prefix = "scopes"
	}

	svc := &NatsService{
		Js:          js,
		Conn:        nc.Conn,
		StorageType: nc.StorageType,
		prefix:      prefix,
		cfg:         cfg,
		logs:        make(map[int]*StreamLog),
	}
	kvCfg := cfg.KeyValue[0].Config
	kvCfg.Bucket = svc.objectName(kvCfg.Bucket)
	if svc.index, err = EnsureBucket(ctx, js, kvCfg, nc.StorageType); err != nil {
		return nil, err
	}
	osCfg := cfg.Objects[0].Config
	osCfg.Bucket = svc.objectName(osCfg.Bucket)
	if svc.snapshots, err = EnsureObjectStore(ctx, js, osCfg, nc.StorageType); err != nil {
		return nil, err
	}
	return svc, nil
}

// Log returns the record log of a partition, creating its stream on first use.
func (s *NatsService) Log(ctx context.Context, partition int) (*StreamLog, error) {
	s.rwmx.RLock()
	if l, ok := s.logs[partition]; ok {
		s.rwmx.RUnlock()
		return l, nil
	}
	s.rwmx.RUnlock()

	s.rwmx.Lock()
	defer s.rwmx.Unlock()
	if l, ok := s.logs[partition]; ok {
		return l, nil
	}
	streamCfg := s.cfg.Streams[0].Config
	streamCfg.Name = s.objectName(streamCfg.Name) + "_" + strconv.Itoa(partition)
	subject := s.Subject(streamCfg.Subjects[0], partition)
	streamCfg.Subjects = []string{subject}
	stream, err := EnsureStream(ctx, s.Js, streamCfg, s.StorageType)
	if err != nil {
		return nil, fmt.Errorf("partition %d log: %w", partition, err)
	}
	l := &StreamLog{js: s.Js, stream: stream, subject: subject, partition: partition}
	s.logs[partition] = l
	return l, nil
}

// Snapshots returns the snapshot store of a partition.
func (s *NatsService) Snapshots(partition int) *SnapshotStore {
	return &SnapshotStore{index: s.index, objects: s.snapshots, partition: partition}
}

// Subject returns a subject within the service namespace, scoped to a partition.
func (s *NatsService) Subject(name string, partition int) string {
	return Subject(s.prefix, name, partition)
}

// Subject returns the subject of a partition scoped endpoint under a prefix.
func Subject(prefix string, name string, partition int) string {
	return prefix + "." + name + "." + strconv.Itoa(partition)
}

func (s *NatsService) objectName(name string) string {
	return strings.ToUpper(s.prefix) + "_" + name
}
