package natz

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-version"
	"github.com/nats-io/nats.go/jetstream"
	scopesVersion "gitlab.com/shar-workflow/shar-scopes/common/version"
)

const versionMetadataKey = "scopes_version"

// NatsConfig is the topology file format.
type NatsConfig struct {
	Streams  []NatsStream      `json:"streams"`
	KeyValue []NatsKeyValue    `json:"buckets"`
	Objects  []NatsObjectStore `json:"objects"`
}

// NatsKeyValue holds information about a NATS Key-Value store (bucket)
type NatsKeyValue struct {
	Config jetstream.KeyValueConfig `json:"nats-config"`
}

// NatsObjectStore holds information about a NATS object store
type NatsObjectStore struct {
	Config jetstream.ObjectStoreConfig `json:"nats-config"`
}

// NatsStream holds information about a NATS Stream
type NatsStream struct {
	Config jetstream.StreamConfig `json:"nats-config"`
}

// ParseConfig decodes a topology file.
func ParseConfig(config string) (*NatsConfig, error) {
	cfg := &NatsConfig{}
	if err := yaml.Unmarshal([]byte(config), cfg); err != nil {
		return nil, fmt.Errorf("parse nats-config.yaml: %w", err)
	}
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("parse nats-config.yaml: no log stream defined")
	}
	return cfg, nil
}

// EnsureStream creates a stream stamped with the running engine version. An existing stream
// written by an older version has its configuration updated.
func EnsureStream(ctx context.Context, js jetstream.JetStream, streamConfig jetstream.StreamConfig, storageType jetstream.StorageType) (jetstream.Stream, error) {
	streamConfig.Storage = storageType
	if streamConfig.Metadata == nil {
		streamConfig.Metadata = make(map[string]string)
	}
	streamConfig.Metadata[versionMetadataKey] = scopesVersion.Version

	stream, err := js.Stream(ctx, streamConfig.Name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err = js.CreateStream(ctx, streamConfig)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", streamConfig.Name, err)
		}
		return stream, nil
	} else if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", streamConfig.Name, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("get stream info: %w", err)
	}
	if !requiresUpgrade(info.Config.Metadata[versionMetadataKey], scopesVersion.Version) {
		return stream, nil
	}
	stream, err = js.UpdateStream(ctx, streamConfig)
	if err != nil {
		return nil, fmt.Errorf("ensure stream updating stream configuration: %w", err)
	}
	return stream, nil
}

// EnsureBucket opens a key-value bucket, creating it if it does not exist.
func EnsureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig, storageType jetstream.StorageType) (jetstream.KeyValue, error) {
	cfg.Storage = storageType
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		if kv, err = js.CreateKeyValue(ctx, cfg); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
		}
		return kv, nil
	} else if err != nil {
		return nil, fmt.Errorf("obtain bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// EnsureObjectStore opens an object store, creating it if it does not exist.
func EnsureObjectStore(ctx context.Context, js jetstream.JetStream, cfg jetstream.ObjectStoreConfig, storageType jetstream.StorageType) (jetstream.ObjectStore, error) {
	cfg.Storage = storageType
	store, err := js.ObjectStore(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		if store, err = js.CreateObjectStore(ctx, cfg); err != nil {
			return nil, fmt.Errorf("ensure object store %s: %w", cfg.Bucket, err)
		}
		return store, nil
	} else if err != nil {
		return nil, fmt.Errorf("obtain object store %s: %w", cfg.Bucket, err)
	}
	return store, nil
}

// requiresUpgrade compares the version stamped on an existing JetStream object with the running
// version and returns true if the object was written by an older engine.
func requiresUpgrade(existing string, running string) bool {
	v1, err := version.NewVersion(existing)
	if err != nil {
		return true
	}
	v2, err := version.NewVersion(running)
	if err != nil {
		return true
	}
	return v2.GreaterThan(v1)
}
