package logx

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
)

// LogEntry is the published form of a log line.
type LogEntry struct {
	Hostname   string            `msgpack:"host"`
	Level      int32             `msgpack:"level"`
	Time       int64             `msgpack:"time"`
	Message    string            `msgpack:"msg"`
	Attributes map[string]string `msgpack:"attrs"`
}

// LogPublisher sends log entries somewhere outside of the process.
type LogPublisher interface {
	Publish(ctx context.Context, entry *LogEntry) error
}

// NatsLogPublisher publishes log entries to a NATS subject.
type NatsLogPublisher struct {
	Conn    *nats.Conn
	Subject string
}

// Publish sends a msgpack encoded log entry.
func (nlp *NatsLogPublisher) Publish(_ context.Context, entry *LogEntry) error {
	b, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	if err := nlp.Conn.Publish(nlp.Subject, b); err != nil {
		return fmt.Errorf("publish log entry: %w", err)
	}
	return nil
}

// NatsHandler is a slog handler that forwards log lines through a LogPublisher.
type NatsHandler struct {
	level        slog.Leveler
	hostname     string
	logPublisher LogPublisher
	groupPrefix  string
	attrs        []slog.Attr
}

// NewNatsHandler creates a handler publishing every enabled record.
func NewNatsHandler(level slog.Leveler, logPublisher LogPublisher) *NatsHandler {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &NatsHandler{level: level, hostname: host, logPublisher: logPublisher}
}

// Enabled reports whether the handler publishes records at level.
func (h *NatsHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.level == nil {
		return slog.LevelInfo <= level
	}
	return h.level.Level() <= level
}

// Handle publishes the record.
func (h *NatsHandler) Handle(ctx context.Context, r slog.Record) error {
	attr := make(map[string]string, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attr[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		attr[h.groupPrefix+a.Key] = a.Value.String()
		return true
	})
	entry := &LogEntry{
		Hostname:   h.hostname,
		Level:      int32(r.Level),
		Time:       r.Time.UnixMilli(),
		Message:    r.Message,
		Attributes: attr,
	}
	if err := h.logPublisher.Publish(ctx, entry); err != nil {
		return fmt.Errorf("nats log handler: %w", err)
	}
	return nil
}

// WithAttrs returns a handler carrying the additional attributes.
func (h *NatsHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefixed := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	prefixed = append(prefixed, h.attrs...)
	for _, a := range attrs {
		a.Key = h.groupPrefix + a.Key
		prefixed = append(prefixed, a)
	}
	return &NatsHandler{
		level:        h.level,
		hostname:     h.hostname,
		logPublisher: h.logPublisher,
		groupPrefix:  h.groupPrefix,
		attrs:        prefixed,
	}
}

// WithGroup returns a handler whose subsequent attributes are prefixed by the group name.
func (h *NatsHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &NatsHandler{
		level:        h.level,
		hostname:     h.hostname,
		logPublisher: h.logPublisher,
		groupPrefix:  h.groupPrefix + name + ".",
		attrs:        h.attrs,
	}
}
