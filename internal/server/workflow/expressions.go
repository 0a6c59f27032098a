package workflow

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
	"github.com/robfig/cron/v3"
	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// ExpressionBehavior evaluates the expressions of a process against the variables of a scope.
// Evaluation problems are returned as failures so that they become incidents.
type ExpressionBehavior struct {
	state *state.State
	expr  expression.Engine
}

func (b *ExpressionBehavior) variables(scopeKey int64) (map[string]any, error) {
	vrs, err := b.state.Variables.GetVariablesAsMap(scopeKey)
	if err != nil {
		return nil, fmt.Errorf("read variables of %d: %w", scopeKey, err)
	}
	return vrs, nil
}

func (b *ExpressionBehavior) eval(ctx context.Context, scopeKey int64, exp string, extra map[string]any) (any, error) {
	vrs, err := b.variables(scopeKey)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		vrs[k] = v
	}
	res, err := expression.EvalAny(ctx, b.expr, exp, vrs)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// InputCollection evaluates the input collection of a multi-instance body and returns its
// items encoded.
func (b *ExpressionBehavior) InputCollection(ctx context.Context, ec *ElementContext) ([][]byte, error) {
	exp := ec.Element.Loop.InputCollection
	res, err := b.eval(ctx, ec.Key(), exp, nil)
	if err != nil {
		return nil, valueFailure(err, "evaluate input collection '%s' of '%s'", exp, ec.Element.ID)
	}
	rv := reflect.ValueOf(res)
	if res == nil || rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errors.NewFailure(errors.ExtractValueError, nil,
			"input collection '%s' of '%s' evaluated to %T, an array was expected", exp, ec.Element.ID, res)
	}
	items := make([][]byte, rv.Len())
	for i := range items {
		items[i], err = document.Encode(rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("encode item %d of %s: %w", i, ec.Element.ID, err)
		}
	}
	return items, nil
}

// OutputElement evaluates the output element of a multi-instance child in the child's scope.
func (b *ExpressionBehavior) OutputElement(ctx context.Context, childKey int64, exp string) ([]byte, error) {
	if exp == "" {
		return document.Nil, nil
	}
	res, err := b.eval(ctx, childKey, exp, nil)
	if err != nil {
		return nil, valueFailure(err, "evaluate output element '%s'", exp)
	}
	v, err := document.Encode(res)
	if err != nil {
		return nil, fmt.Errorf("encode output element: %w", err)
	}
	return v, nil
}

// CompletionCondition evaluates a multi-instance completion condition in the scope of a child,
// with extra variables describing the state of the loop.
func (b *ExpressionBehavior) CompletionCondition(ctx context.Context, childKey int64, exp string, extra map[string]any) (bool, error) {
	res, err := b.eval(ctx, childKey, exp, extra)
	if err != nil {
		if errors.IsFatal(err) {
			return false, err
		}
		return false, errors.NewFailure(errors.ConditionError, err, "evaluate completion condition '%s'", exp)
	}
	ok, isBool := res.(bool)
	if !isBool {
		return false, errors.NewFailure(errors.ConditionError, nil, "completion condition '%s' evaluated to %T, a boolean was expected", exp, res)
	}
	return ok, nil
}

// CorrelationKey evaluates the correlation key of a message subscription.
func (b *ExpressionBehavior) CorrelationKey(ctx context.Context, scopeKey int64, exp string) (string, error) {
	if exp == "" {
		return "", nil
	}
	res, err := b.eval(ctx, scopeKey, exp, nil)
	if err != nil {
		return "", valueFailure(err, "evaluate correlation key '%s'", exp)
	}
	switch v := res.(type) {
	case string:
		return v, nil
	case int, int64, uint64, float64:
		return fmt.Sprint(v), nil
	}
	return "", errors.NewFailure(errors.ExtractValueError, nil, "correlation key '%s' evaluated to %T, a string or number was expected", exp, res)
}

// TimerDueDate computes when a timer fires, in unix milliseconds, and how many times it fires.
// now is the timestamp of the record being processed.
func (b *ExpressionBehavior) TimerDueDate(ctx context.Context, scopeKey int64, def *model.EventDefinition, now int64) (int64, int32, error) {
	text := func(exp string) (string, error) {
		return b.text(ctx, scopeKey, exp)
	}
	switch {
	case def.TimeDate != "":
		s, err := text(def.TimeDate)
		if err != nil {
			return 0, 0, err
		}
		t, err := iso8601.ParseString(s)
		if err != nil {
			return 0, 0, errors.NewFailure(errors.ExtractValueError, err, "parse timer date '%s'", s)
		}
		return t.UnixMilli(), 1, nil
	case def.TimeDuration != "":
		s, err := text(def.TimeDuration)
		if err != nil {
			return 0, 0, err
		}
		d, err := parseISODuration(s)
		if err != nil {
			return 0, 0, errors.NewFailure(errors.ExtractValueError, err, "parse timer duration '%s'", s)
		}
		return now + d.Milliseconds(), 1, nil
	case def.TimeCycle != "":
		s, err := text(def.TimeCycle)
		if err != nil {
			return 0, 0, err
		}
		reps, next, err := parseCycle(s)
		if err != nil {
			return 0, 0, errors.NewFailure(errors.ExtractValueError, err, "parse timer cycle '%s'", s)
		}
		return next(now), reps, nil
	}
	return 0, 0, errors.NewFailure(errors.ExtractValueError, nil, "timer has no date, duration or cycle")
}

// NextCycle computes the due date of the next firing of a cycle timer that fired at due.
func (b *ExpressionBehavior) NextCycle(ctx context.Context, scopeKey int64, def *model.EventDefinition, due int64) (int64, error) {
	s, err := b.text(ctx, scopeKey, def.TimeCycle)
	if err != nil {
		return 0, err
	}
	_, next, err := parseCycle(s)
	if err != nil {
		return 0, errors.NewFailure(errors.ExtractValueError, err, "parse timer cycle '%s'", s)
	}
	return next(due), nil
}

func (b *ExpressionBehavior) text(ctx context.Context, scopeKey int64, exp string) (string, error) {
	res, err := b.eval(ctx, scopeKey, exp, nil)
	if err != nil {
		return "", valueFailure(err, "evaluate timer '%s'", exp)
	}
	s, ok := res.(string)
	if !ok {
		return "", errors.NewFailure(errors.ExtractValueError, nil, "timer '%s' evaluated to %T, a string was expected", exp, res)
	}
	return s, nil
}

// Validate checks that every expression of a process parses.
func (b *ExpressionBehavior) Validate(ctx context.Context, p *model.Process) error {
	for _, id := range document.SortedNames(p.Elements) {
		el := p.Elements[id]
		var exps []string
		for _, m := range el.InputMappings {
			exps = append(exps, m.Source)
		}
		for _, m := range el.OutputMappings {
			exps = append(exps, m.Source)
		}
		if l := el.Loop; l != nil {
			if l.InputCollection == "" {
				return fmt.Errorf("element '%s' has a multi-instance loop without an input collection", el.ID)
			}
			exps = append(exps, l.InputCollection, l.OutputElement, l.CompletionCondition)
		}
		if ev := el.Event; ev != nil {
			exps = append(exps, ev.CorrelationKey, ev.TimeDate, ev.TimeDuration, ev.TimeCycle)
			if ev.Type == model.EventTimer && !expression.IsExpression(ev.TimeDuration) && ev.TimeDuration != "" {
				if _, err := parseISODuration(ev.TimeDuration); err != nil {
					return fmt.Errorf("timer duration of '%s': %w", el.ID, err)
				}
			}
			if ev.Type == model.EventTimer && !expression.IsExpression(ev.TimeCycle) && ev.TimeCycle != "" {
				if _, _, err := parseCycle(ev.TimeCycle); err != nil {
					return fmt.Errorf("timer cycle of '%s': %w", el.ID, err)
				}
			}
		}
		for _, exp := range exps {
			if _, err := expression.GetVariables(ctx, b.expr, exp); err != nil {
				return fmt.Errorf("expression '%s' of '%s': %w", exp, el.ID, err)
			}
		}
	}
	return nil
}

func valueFailure(err error, format string, args ...any) error {
	if errors.IsFatal(err) {
		return err
	}
	return errors.NewFailure(errors.ExtractValueError, err, format, args...)
}

// parseCycle parses R[n]/<duration> or a cron expression. It returns the number of firings,
// -1 for unbounded, and a function computing the next due date from the previous one.
func parseCycle(s string) (int32, func(int64) int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "R") && strings.Contains(s, "/") {
		rep, dur, _ := strings.Cut(s[1:], "/")
		reps := int32(-1)
		if rep != "" {
			n, err := strconv.ParseInt(rep, 10, 32)
			if err != nil || n < 0 {
				return 0, nil, fmt.Errorf("repetitions '%s' must be a positive number", rep)
			}
			reps = int32(n)
		}
		d, err := parseISODuration(dur)
		if err != nil {
			return 0, nil, err
		}
		return reps, func(prev int64) int64 { return prev + d.Milliseconds() }, nil
	}
	sched, err := cron.ParseStandard(s)
	if err != nil {
		return 0, nil, fmt.Errorf("parse cron expression: %w", err)
	}
	return -1, func(prev int64) int64 {
		return sched.Next(time.UnixMilli(prev).UTC()).UnixMilli()
	}, nil
}

// parseISODuration parses an ISO 8601 duration made of weeks, days, hours, minutes and seconds,
// such as P1DT2H or PT0.5S. Years and months have no fixed length and are refused.
func parseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "P")
	if !ok || rest == "" {
		return 0, fmt.Errorf("'%s' is not an ISO 8601 duration", s)
	}
	var d time.Duration
	inTime := false
	num := ""
	parts := 0
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9' || r == '.' || r == ',':
			if r == ',' {
				r = '.'
			}
			num += string(r)
			continue
		case r == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("misplaced T in duration '%s'", s)
			}
			inTime = true
			continue
		}
		if num == "" {
			return 0, fmt.Errorf("missing number before %c in duration '%s'", r, s)
		}
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("duration '%s': %w", s, err)
		}
		num = ""
		var unit time.Duration
		switch {
		case !inTime && r == 'W':
			unit = 7 * 24 * time.Hour
		case !inTime && r == 'D':
			unit = 24 * time.Hour
		case inTime && r == 'H':
			unit = time.Hour
		case inTime && r == 'M':
			unit = time.Minute
		case inTime && r == 'S':
			unit = time.Second
		default:
			return 0, fmt.Errorf("unsupported designator %c in duration '%s'", r, s)
		}
		d += time.Duration(n * float64(unit))
		parts++
	}
	if num != "" {
		return 0, fmt.Errorf("missing designator in duration '%s'", s)
	}
	if parts == 0 {
		return 0, fmt.Errorf("duration '%s' has no components", s)
	}
	return d, nil
}
