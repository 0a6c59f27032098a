package logx

import (
	"context"
	"errors"
	"log/slog"
)

// MultiHandler fans every record out to a set of handlers.
type MultiHandler struct {
	Handlers []slog.Handler
}

// NewMultiHandler creates a composite handler.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{Handlers: handlers}
}

// Enabled is always true as this is a composite handler. Each handler is checked in Handle.
func (mh *MultiHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

// Handle passes the record to every enabled handler and joins their errors.
func (mh *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range mh.Handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// WithAttrs returns a composite whose handlers all carry attrs.
func (mh *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlersWithAttrs := make([]slog.Handler, 0, len(mh.Handlers))
	for _, h := range mh.Handlers {
		handlersWithAttrs = append(handlersWithAttrs, h.WithAttrs(attrs))
	}
	return &MultiHandler{Handlers: handlersWithAttrs}
}

// WithGroup returns a composite whose handlers all open the group.
func (mh *MultiHandler) WithGroup(name string) slog.Handler {
	hWithGroup := make([]slog.Handler, 0, len(mh.Handlers))
	for _, h := range mh.Handlers {
		hWithGroup = append(hWithGroup, h.WithGroup(name))
	}
	return &MultiHandler{Handlers: hWithGroup}
}
