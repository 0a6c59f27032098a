// Package config reads the server settings from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v6"
)

// Storage backends of a partition.
const (
	StorageMemory    = "memory"
	StorageJetStream = "jetstream"
)

// Log handlers.
const (
	HandlerText = "text"
	HandlerJSON = "json"
	HandlerNats = "nats"
)

// Settings is the settings provider.
type Settings struct {
	NatsURL        string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Partition      int    `env:"SCOPES_PARTITION" envDefault:"1"`
	LogLevel       string `env:"SCOPES_LOG_LEVEL" envDefault:"error"`
	LogHandler     string `env:"SCOPES_LOG_HANDLER" envDefault:"text"`
	SnapshotPeriod int64  `env:"SCOPES_SNAPSHOT_PERIOD" envDefault:"1000"`
	Storage        string `env:"SCOPES_STORAGE" envDefault:"jetstream"`
	StreamPrefix   string `env:"SCOPES_STREAM_PREFIX" envDefault:"scopes"`
	NatsConfig     string `env:"SCOPES_NATS_CONFIG"`
}

// GetEnvironment pulls the active settings into a settings struct.
func GetEnvironment() (*Settings, error) {
	cfg := &Settings{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment settings: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate environment settings: %w", err)
	}
	return cfg, nil
}

func (s *Settings) validate() error {
	if s.Partition < 1 {
		return fmt.Errorf("SCOPES_PARTITION must be at least 1, got %d", s.Partition)
	}
	if s.SnapshotPeriod < 1 {
		return fmt.Errorf("SCOPES_SNAPSHOT_PERIOD must be at least 1, got %d", s.SnapshotPeriod)
	}
	switch s.Storage {
	case StorageMemory, StorageJetStream:
	default:
		return fmt.Errorf("unknown SCOPES_STORAGE '%s'", s.Storage)
	}
	switch s.LogHandler {
	case HandlerText, HandlerJSON, HandlerNats:
	default:
		return fmt.Errorf("unknown SCOPES_LOG_HANDLER '%s'", s.LogHandler)
	}
	return nil
}
