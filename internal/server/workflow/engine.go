// Package workflow is the processing core of a partition. The engine reads the partition log in
// order, applies each record to the partition state and writes the follow-up records it produces.
// Replaying a log from the start with the same definitions produces the same state and verifies
// the follow-ups already written.
package workflow

import (
	"context"
	errors2 "errors"
	"fmt"
	"time"

	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	"gitlab.com/shar-workflow/shar-scopes/common/version"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/logstream"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/errors/keys"
	"gitlab.com/shar-workflow/shar-scopes/server/services/cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine processes the records of one partition. It is not safe for concurrent use, except for
// Submit, which only appends to the log.
type Engine struct {
	log         logstream.Log
	state       *state.State
	writer      *logstream.Writer
	expr        expression.Engine
	partition   int
	clock       func() time.Time
	tr          trace.Tracer
	dispatcher  *Dispatcher
	transitions *TransitionExecutor
	behaviors   *Behaviors
	commands    map[commandKey]commandHandler
	stopped     error
}

// Option configures an Engine.
type Option func(e *Engine)

// WithLog sets the partition log. The default is an empty in-memory log.
func WithLog(l logstream.Log) Option {
	return func(e *Engine) { e.log = l }
}

// WithExpressionEngine sets the expression engine.
func WithExpressionEngine(x expression.Engine) Option {
	return func(e *Engine) { e.expr = x }
}

// WithPartition sets the partition id reported in logs and traces.
func WithPartition(p int) Option {
	return func(e *Engine) { e.partition = p }
}

// WithClock sets the clock stamping submitted commands.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.clock = fn }
}

// WithState resumes processing from a restored state.
func WithState(st *state.State) Option {
	return func(e *Engine) { e.state = st }
}

// New creates an engine and registers a processor for every element type.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		partition: 1,
		clock:     time.Now,
		tr:        otel.GetTracerProvider().Tracer("shar-scopes", trace.WithInstrumentationVersion(version.Version)),
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = logstream.NewMemoryLog()
	}
	if e.expr == nil {
		e.expr = &expression.ExprEngine{}
	}
	if e.state == nil {
		c, err := cache.NewDefinitionCache()
		if err != nil {
			return nil, fmt.Errorf("create definition cache: %w", err)
		}
		e.state = state.New(c)
	}
	_, cursor := e.state.Positions()
	e.writer = logstream.NewWriter(e.log, cursor)

	e.transitions = &TransitionExecutor{state: e.state, writer: e.writer}
	b := &Behaviors{
		state:       e.state,
		writer:      e.writer,
		Transitions: e.transitions,
		Variables:   &VariableMappingBehavior{state: e.state, expr: e.expr},
		Expressions: &ExpressionBehavior{state: e.state, expr: e.expr},
		Incidents:   &IncidentBehavior{state: e.state, writer: e.writer},
	}
	b.Events = &EventSubscriptionBehavior{state: e.state, writer: e.writer, expressions: b.Expressions, transitions: e.transitions}
	e.transitions.incidents = b.Incidents
	e.behaviors = b

	task := &ActivityProcessor{b: b}
	waitTask := &ActivityProcessor{b: b, wait: true}
	subProcess := &SubProcessProcessor{b: b}
	event := &EventProcessor{b: b}
	catch := &CatchEventProcessor{b: b}
	d, err := NewDispatcher(e.state, map[model.ElementType]ElementProcessor{
		model.ElementProcess:                &ProcessProcessor{b: b},
		model.ElementSubProcess:             subProcess,
		model.ElementEventSubProcess:        subProcess,
		model.ElementMultiInstanceBody:      &MultiInstanceBodyProcessor{b: b},
		model.ElementStartEvent:             event,
		model.ElementEndEvent:               event,
		model.ElementBoundaryEvent:          event,
		model.ElementIntermediateCatchEvent: catch,
		model.ElementReceiveTask:            catch,
		model.ElementServiceTask:            waitTask,
		model.ElementUserTask:               waitTask,
		model.ElementManualTask:             task,
		model.ElementTask:                   task,
		model.ElementCallActivity:           &CallActivityProcessor{b: b},
	})
	if err != nil {
		return nil, fmt.Errorf("register element processors: %w", err)
	}
	e.dispatcher = d
	e.transitions.dispatcher = d
	e.commands = (&commandProcessors{b: b, dispatcher: d}).handlers()
	e.state.Variables.SetListener(e)
	return e, nil
}

// State returns the partition state.
func (e *Engine) State() *state.State {
	return e.state
}

// Log returns the partition log.
func (e *Engine) Log() logstream.Log {
	return e.log
}

// Partition returns the partition id.
func (e *Engine) Partition() int {
	return e.partition
}

// Submit appends an external command to the log and returns its position.
func (e *Engine) Submit(ctx context.Context, rec *model.Record) (int64, error) {
	if !rec.IsCommand() {
		return 0, fmt.Errorf("submit %s record: only commands can be submitted", rec.RecordType)
	}
	rec.SourcePosition = 0
	rec.Timestamp = e.clock().UnixMilli()
	if err := e.log.Append(ctx, rec); err != nil {
		return 0, fmt.Errorf("submit command: %w", err)
	}
	return rec.Position, nil
}

// Run processes records until the end of the log.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run partition %d: %w", e.partition, err)
		}
		more, err := e.Step(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Step processes the next record of the log. It reports false when the log holds no further
// record. After a fatal error the engine stops and every later call fails with
// errors.ErrEngineStopped.
func (e *Engine) Step(ctx context.Context) (bool, error) {
	if e.stopped != nil {
		return false, fmt.Errorf("partition %d: %w: %w", e.partition, errors.ErrEngineStopped, e.stopped)
	}
	processed, _ := e.state.Positions()
	rec, err := e.log.Read(ctx, processed+1)
	if errors2.Is(err, errors.ErrEndOfLog) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read record %d: %w", processed+1, err)
	}
	if err := e.process(ctx, rec); err != nil {
		if errors.IsFatal(err) {
			e.stopped = err
			logx.FromContext(ctx).Error("engine stopped", "error", err, keys.Partition, e.partition, keys.Position, rec.Position)
		}
		return false, err
	}
	return true, nil
}

// DueTimers returns a TRIGGER command for every timer due at now. It must be called from the
// goroutine that steps the engine.
func (e *Engine) DueTimers(now time.Time) []*model.Record {
	due := e.state.Timers.Due(now.UnixMilli())
	ret := make([]*model.Record, 0, len(due))
	for _, key := range due {
		t, _ := e.state.Timers.Get(key)
		ret = append(ret, &model.Record{
			Key:        key,
			RecordType: model.RecordCommand,
			ValueType:  model.ValueTimer,
			Intent:     model.Trigger,
			Timer:      t,
		})
	}
	return ret
}

// VariableCreated implements state.VariableListener.
func (e *Engine) VariableCreated(key int64, v *model.VariableValue) {
	e.writer.Append(variableEvent(key, model.Created, v))
}

// VariableUpdated implements state.VariableListener.
func (e *Engine) VariableUpdated(key int64, v *model.VariableValue) {
	e.writer.Append(variableEvent(key, model.Updated, v))
}

func (e *Engine) process(ctx context.Context, rec *model.Record) error {
	ctx, span := e.tr.Start(ctx, "process "+string(rec.ValueType)+" "+string(rec.Intent), trace.WithAttributes(
		attribute.Int64("position", rec.Position),
		attribute.String("value_type", string(rec.ValueType)),
		attribute.String("intent", string(rec.Intent)),
	))
	defer span.End()
	ctx, log := logx.RecordEntrypoint(ctx, "engine", e.partition, rec.Position)
	log.Debug("process record", keys.ValueType, rec.ValueType, keys.Intent, rec.Intent, "key", rec.Key)

	e.state.Begin()
	e.writer.Begin(rec)
	if err := e.handle(ctx, rec); err != nil {
		if err := e.recover(ctx, rec, err); err != nil {
			e.writer.Discard()
			e.state.Rollback()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	if err := e.writer.Flush(ctx); err != nil {
		e.writer.Discard()
		e.state.Rollback()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("write follow-ups of %d: %w", rec.Position, err)
	}
	e.state.Commit(rec.Position, e.writer.Cursor())
	return nil
}

func (e *Engine) handle(ctx context.Context, rec *model.Record) error {
	switch rec.RecordType {
	case model.RecordCommand:
		h, ok := e.commands[commandKey{valueType: rec.ValueType, intent: rec.Intent}]
		if !ok {
			return errors.Reject(errors.RejectionInvalidArgument, "%s %s is not a command", rec.ValueType, rec.Intent)
		}
		return h.process(ctx, rec)
	case model.RecordEvent:
		if rec.ValueType == model.ValueProcessInstance {
			return e.onProcessInstanceEvent(ctx, rec)
		}
	}
	return nil
}

// onProcessInstanceEvent runs the lifecycle hook of an event when the instance is still in the
// state the event announced.
func (e *Engine) onProcessInstanceEvent(ctx context.Context, rec *model.Record) error {
	if rec.Intent == model.SequenceFlowTaken {
		return e.transitions.onSequenceFlowTaken(ctx, rec)
	}
	hook := model.HookFor(rec.Intent)
	if hook == model.HookNone {
		return nil
	}
	ei, err := e.state.Instances.Get(rec.Key)
	if err != nil {
		logx.FromContext(ctx).Debug("element instance gone", keys.ElementInstanceKey, rec.Key, keys.Intent, rec.Intent)
		return nil
	}
	if ei.State != stateFor(hook) {
		logx.FromContext(ctx).Debug("stale lifecycle event", keys.ElementInstanceKey, rec.Key, keys.Intent, rec.Intent, keys.State, ei.State)
		return nil
	}
	ec, err := e.dispatcher.Context(ctx, ei)
	if err != nil {
		return err
	}
	return runHook(ctx, e.dispatcher, hook, ec)
}

// recover turns failures into incidents and rejections into rejection records. Both discard
// every change the record made before them. Any other error is returned.
func (e *Engine) recover(ctx context.Context, rec *model.Record, err error) error {
	if errors.IsFatal(err) {
		return err
	}
	var hf *hookFailure
	if errors2.As(err, &hf) {
		e.restart(rec)
		if rec.IsCommand() && rec.ValueType == model.ValueIncident && rec.Intent == model.Resolve {
			e.behaviors.Incidents.resolve(ctx, rec.Key)
		}
		e.behaviors.Incidents.CreateIncident(ctx, hf.failure, hf.ec, hf.hook)
		return nil
	}
	if !rec.IsCommand() {
		return err
	}
	var rej *errors.Rejection
	if !errors2.As(err, &rej) {
		var f *errors.Failure
		if !errors2.As(err, &f) {
			return err
		}
		rej = errors.Reject(errors.RejectionInvalidState, "%s", f.Error())
	}
	e.restart(rec)
	if h, ok := e.commands[commandKey{valueType: rec.ValueType, intent: rec.Intent}]; ok && h.rejected != nil {
		h.rejected(ctx, rec)
	}
	e.writer.Append(rejection(rec, rej))
	logx.FromContext(ctx).Info("command rejected", keys.ValueType, rec.ValueType, keys.Intent, rec.Intent, keys.RejectionType, rej.Type, "reason", rej.Reason)
	return nil
}

// restart discards the changes made for rec and opens a fresh transaction for it.
func (e *Engine) restart(rec *model.Record) {
	e.writer.Discard()
	e.state.Rollback()
	e.state.Begin()
	e.writer.Begin(rec)
}

// hookFailure is a failure raised while a lifecycle hook ran. It becomes an incident on the
// instance the hook ran for.
type hookFailure struct {
	ec      *ElementContext
	hook    model.LifecycleHook
	failure *errors.Failure
}

func (h *hookFailure) Error() string {
	return fmt.Sprintf("%s of '%s' (%d): %s", h.hook, h.ec.Instance.ElementID, h.ec.Key(), h.failure.Error())
}

func (h *hookFailure) Unwrap() error {
	return h.failure
}

// runHook dispatches a hook and attributes a failure to it.
func runHook(ctx context.Context, d *Dispatcher, hook model.LifecycleHook, ec *ElementContext) error {
	err := d.Dispatch(ctx, hook, ec, nil)
	if err == nil || errors.IsFatal(err) {
		return err
	}
	var hf *hookFailure
	if errors2.As(err, &hf) {
		return err
	}
	var f *errors.Failure
	if errors2.As(err, &f) {
		return &hookFailure{ec: ec, hook: hook, failure: f}
	}
	return err
}
