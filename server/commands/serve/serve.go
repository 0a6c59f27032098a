package serve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"
	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/partition"
	"gitlab.com/shar-workflow/shar-scopes/server/config"
	"gitlab.com/shar-workflow/shar-scopes/server/services/natz"
)

// Cmd is the cobra command object
var Cmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts a partition and accepts commands over NATS",
	Long: `Settings are read from the environment (NATS_URL, SCOPES_PARTITION, SCOPES_LOG_LEVEL,
SCOPES_LOG_HANDLER, SCOPES_SNAPSHOT_PERIOD, SCOPES_STORAGE, SCOPES_STREAM_PREFIX,
SCOPES_NATS_CONFIG).`,
	Args: cobra.NoArgs,
	RunE: run,
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.GetEnvironment()
	if err != nil {
		return err
	}

	conn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", cfg.NatsURL, err)
	}
	defer conn.Close()

	session := ksuid.New().String()
	logx.SetDefault("scopes", handler(cfg, conn))
	logger := slog.Default().With(slog.String("session", session), slog.Int("partition", cfg.Partition))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logx.NewContext(ctx, logger)

	p, err := newPartition(ctx, cfg, conn)
	if err != nil {
		return err
	}

	res := make(chan error, 1)
	go func() { res <- p.Start(ctx) }()
	select {
	case <-p.Ready():
	case err := <-res:
		return fmt.Errorf("start partition %d: %w", cfg.Partition, err)
	}

	ingress := natz.Subject(cfg.StreamPrefix, "command", cfg.Partition)
	in := partition.NewIngress(conn, ingress, p)
	if err := in.Listen(ctx); err != nil {
		return err
	}
	logger.Info("partition ready", slog.String("subject", ingress), slog.String("storage", cfg.Storage))

	err = <-res
	if cerr := in.Close(); cerr != nil {
		logger.Warn("close ingress", "error", cerr)
	}
	return err
}

func newPartition(ctx context.Context, cfg *config.Settings, conn *nats.Conn) (*partition.Partition, error) {
	if cfg.Storage == config.StorageMemory {
		return partition.New(cfg.Partition, logstream.NewMemoryLog(), partition.WithSnapshotPeriod(cfg.SnapshotPeriod)), nil
	}

	topology := ""
	if cfg.NatsConfig != "" {
		b, err := os.ReadFile(cfg.NatsConfig)
		if err != nil {
			return nil, fmt.Errorf("read nats configuration file: %w", err)
		}
		topology = string(b)
	}
	svc, err := natz.NewNatsService(ctx, &natz.NatsConnConfiguration{
		Conn:        conn,
		StorageType: jetstream.FileStorage,
		Prefix:      cfg.StreamPrefix,
		Config:      topology,
	})
	if err != nil {
		return nil, fmt.Errorf("provision jetstream: %w", err)
	}
	log, err := svc.Log(ctx, cfg.Partition)
	if err != nil {
		return nil, err
	}
	return partition.New(cfg.Partition, log,
		partition.WithSnapshotStore(svc.Snapshots(cfg.Partition)),
		partition.WithSnapshotPeriod(cfg.SnapshotPeriod),
	), nil
}

func handler(cfg *config.Settings, conn *nats.Conn) slog.Handler {
	lev, addSource := logx.ParseLevel(cfg.LogLevel)
	switch cfg.LogHandler {
	case config.HandlerJSON:
		return logx.NewJSONHandler(lev, addSource)
	case config.HandlerNats:
		pub := &logx.NatsLogPublisher{Conn: conn, Subject: natz.Subject(cfg.StreamPrefix, "logs", cfg.Partition)}
		return logx.NewMultiHandler(logx.NewTextHandler(lev, addSource), logx.NewNatsHandler(lev, pub))
	default:
		return logx.NewTextHandler(lev, addSource)
	}
}
