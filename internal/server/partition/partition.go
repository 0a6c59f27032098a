// Package partition runs the engine of one partition. A single goroutine owns the engine and its
// state: submitted commands, due timers and queries are all served from it.
package partition

import (
	"context"
	errors2 "errors"
	"fmt"
	"log/slog"
	"time"

	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/workflow"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/errors/keys"
	"gitlab.com/shar-workflow/shar-scopes/server/services/cache"
)

// SnapshotStore keeps the latest state snapshot of a partition.
//
//go:generate mockery
type SnapshotStore interface {
	// Save stores a snapshot of the state after the record at position was processed.
	Save(ctx context.Context, position int64, snapshot []byte) error
	// Load returns the latest snapshot, or errors.ErrSnapshotNotFound.
	Load(ctx context.Context) ([]byte, error)
}

// Response is the outcome of a submitted command.
type Response struct {
	// Position of the command in the log.
	Position int64
	// FollowUps are the records the command produced directly.
	FollowUps []*model.Record
}

// Rejection returns the rejection record of the command, if it was rejected.
func (r *Response) Rejection() *model.Record {
	for _, f := range r.FollowUps {
		if f.RecordType == model.RecordRejection {
			return f
		}
	}
	return nil
}

// Partition owns the engine of one partition.
type Partition struct {
	id             int
	log            logstream.Log
	snapshots      SnapshotStore
	snapshotPeriod int64
	timerInterval  time.Duration
	clock          func() time.Time
	expr           expression.Engine

	requests chan func(e *workflow.Engine)
	ready    chan struct{}
	done     chan struct{}
	err      error
	fatal    error

	lastSnapshot int64
}

// Option configures a Partition.
type Option func(p *Partition)

// WithSnapshotStore enables snapshots.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(p *Partition) { p.snapshots = s }
}

// WithSnapshotPeriod sets the number of processed records between snapshots.
func WithSnapshotPeriod(n int64) Option {
	return func(p *Partition) { p.snapshotPeriod = n }
}

// WithTimerInterval sets how often due timers are looked for.
func WithTimerInterval(d time.Duration) Option {
	return func(p *Partition) { p.timerInterval = d }
}

// WithClock sets the clock used for command timestamps and timer due dates.
func WithClock(fn func() time.Time) Option {
	return func(p *Partition) { p.clock = fn }
}

// WithExpressionEngine sets the expression engine of the partition engine.
func WithExpressionEngine(x expression.Engine) Option {
	return func(p *Partition) { p.expr = x }
}

// New creates a partition over a log.
func New(id int, log logstream.Log, opts ...Option) *Partition {
	p := &Partition{
		id:             id,
		log:            log,
		snapshotPeriod: 1000,
		timerInterval:  100 * time.Millisecond,
		clock:          time.Now,
		expr:           &expression.ExprEngine{},
		requests:       make(chan func(e *workflow.Engine)),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ID returns the partition id.
func (p *Partition) ID() int {
	return p.id
}

// Ready is closed once the partition has recovered and accepts submissions.
func (p *Partition) Ready() <-chan struct{} {
	return p.ready
}

// Start recovers the partition and serves it until ctx is cancelled or the engine stops on a
// fatal error, which is returned.
func (p *Partition) Start(ctx context.Context) error {
	ctx, log := logx.ContextWith(ctx, "partition")
	log = log.With(slog.Int(keys.Partition, p.id))
	ctx = logx.NewContext(ctx, log)
	defer close(p.done)

	e, err := p.recover(ctx)
	if err != nil {
		p.err = err
		return err
	}
	close(p.ready)
	log.Info("partition ready")

	ticker := time.NewTicker(p.timerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.snapshot(context.WithoutCancel(ctx), e, true)
			log.Info("partition stopped")
			return nil
		case fn := <-p.requests:
			fn(e)
		case <-ticker.C:
			p.fireTimers(ctx, e)
		}
		if p.fatal != nil {
			p.err = p.fatal
			log.Error("partition halted", "error", p.fatal)
			return p.fatal
		}
		p.snapshot(ctx, e, false)
	}
}

// Submit appends a command to the log, processes it and returns its outcome.
func (p *Partition) Submit(ctx context.Context, rec *model.Record) (*Response, error) {
	var resp *Response
	err := p.Query(ctx, func(e *workflow.Engine) error {
		pos, err := e.Submit(ctx, rec)
		if err != nil {
			return err
		}
		if err := p.run(ctx, e); err != nil {
			return fmt.Errorf("process command %d: %w", pos, err)
		}
		resp = &Response{Position: pos}
		resp.FollowUps, err = followUps(ctx, e.Log(), pos)
		return err
	})
	return resp, err
}

// Query runs fn on the partition goroutine. fn must not keep references into the state.
func (p *Partition) Query(ctx context.Context, fn func(e *workflow.Engine) error) error {
	errc := make(chan error, 1)
	req := func(e *workflow.Engine) { errc <- fn(e) }
	select {
	case p.requests <- req:
	case <-p.done:
		return p.stoppedErr()
	case <-ctx.Done():
		return fmt.Errorf("partition %d request: %w", p.id, ctx.Err())
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("partition %d request: %w", p.id, ctx.Err())
	}
}

func (p *Partition) stoppedErr() error {
	if p.err != nil {
		return fmt.Errorf("partition %d: %w: %w", p.id, errors.ErrEngineStopped, p.err)
	}
	return fmt.Errorf("partition %d: %w", p.id, errors.ErrEngineStopped)
}

// recover restores the latest snapshot and replays the rest of the log.
func (p *Partition) recover(ctx context.Context) (*workflow.Engine, error) {
	log := logx.FromContext(ctx)
	c, err := cache.NewDefinitionCache()
	if err != nil {
		return nil, fmt.Errorf("create definition cache: %w", err)
	}
	st := state.New(c)
	if p.snapshots != nil {
		b, err := p.snapshots.Load(ctx)
		switch {
		case errors2.Is(err, errors.ErrSnapshotNotFound):
			log.Info("no snapshot, replaying the whole log")
		case err != nil:
			return nil, fmt.Errorf("load snapshot: %w", err)
		default:
			if err := st.Restore(b); err != nil {
				if !errors2.Is(err, errors.ErrIncompatibleSnapshot) {
					return nil, fmt.Errorf("restore snapshot: %w", err)
				}
				log.Warn("discarding snapshot", "error", err)
				st = state.New(c)
			}
		}
	}
	processed, _ := st.Positions()
	p.lastSnapshot = processed
	e, err := workflow.New(
		workflow.WithLog(p.log),
		workflow.WithPartition(p.id),
		workflow.WithClock(p.clock),
		workflow.WithExpressionEngine(p.expr),
		workflow.WithState(st),
	)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	if err := e.Run(ctx); err != nil {
		return nil, fmt.Errorf("replay partition %d from %d: %w", p.id, processed, err)
	}
	processed, _ = e.State().Positions()
	log.Info("partition recovered", keys.Position, processed)
	return e, nil
}

func (p *Partition) fireTimers(ctx context.Context, e *workflow.Engine) {
	for _, rec := range e.DueTimers(p.clock()) {
		if _, err := e.Submit(ctx, rec); err != nil {
			logx.FromContext(ctx).Error("trigger timer", "error", err, "key", rec.Key)
			return
		}
	}
	if err := p.run(ctx, e); err != nil {
		logx.FromContext(ctx).Error("process timers", "error", err)
	}
}

// run processes the log to its end. A fatal error halts the partition once the current request
// has been answered.
func (p *Partition) run(ctx context.Context, e *workflow.Engine) error {
	err := e.Run(ctx)
	if errors.IsFatal(err) || errors2.Is(err, errors.ErrEngineStopped) {
		p.fatal = err
	}
	return err
}

func (p *Partition) snapshot(ctx context.Context, e *workflow.Engine, force bool) {
	if p.snapshots == nil {
		return
	}
	processed, _ := e.State().Positions()
	if processed == p.lastSnapshot || (!force && processed-p.lastSnapshot < p.snapshotPeriod) {
		return
	}
	b, err := e.State().Snapshot()
	if err == nil {
		err = p.snapshots.Save(ctx, processed, b)
	}
	if err != nil {
		logx.FromContext(ctx).Error("save snapshot", "error", err, keys.Position, processed)
		return
	}
	p.lastSnapshot = processed
	logx.FromContext(ctx).Debug("saved snapshot", keys.Position, processed)
}

// followUps reads the records written while the record at pos was processed.
func followUps(ctx context.Context, l logstream.Log, pos int64) ([]*model.Record, error) {
	last, err := l.LastPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("read follow-ups of %d: %w", pos, err)
	}
	var ret []*model.Record
	for i := pos + 1; i <= last; i++ {
		rec, err := l.Read(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("read follow-ups of %d: %w", pos, err)
		}
		if rec.SourcePosition == pos {
			ret = append(ret, rec)
		}
	}
	return ret, nil
}
