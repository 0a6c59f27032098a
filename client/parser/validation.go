package parser

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/relvacode/iso8601"
	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

func validProcess(ctx context.Context, eng expression.Engine, p *model.Process) error {
	ids := make([]string, 0, len(p.Elements))
	for id := range p.Elements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		el := p.Elements[id]
		if err := validMappings(ctx, eng, el); err != nil {
			return err
		}
		if el.Event != nil {
			if err := validEvent(ctx, eng, el); err != nil {
				return err
			}
		}
		if el.Loop != nil {
			if err := validLoop(ctx, eng, el); err != nil {
				return err
			}
		}
		if el.Type == model.ElementBoundaryEvent && el.Event == nil {
			return &valError{Err: errors.ErrInvalidModel, Context: fmt.Sprintf("boundary event '%s' has no event definition", el.ID)}
		}
	}
	return nil
}

func validMappings(ctx context.Context, eng expression.Engine, el *model.Element) error {
	for _, ms := range [][]model.Mapping{el.InputMappings, el.OutputMappings} {
		for _, m := range ms {
			if m.Target == "" {
				return &valError{Err: errors.ErrInvalidModel, Context: fmt.Sprintf("mapping of '%s' has no target", el.ID)}
			}
			if err := validExpression(ctx, eng, el, m.Source); err != nil {
				return err
			}
		}
	}
	return nil
}

func validEvent(ctx context.Context, eng expression.Engine, el *model.Element) error {
	ev := el.Event
	switch ev.Type {
	case model.EventMessage:
		if ev.MessageName == "" {
			return &valError{Err: errors.ErrInvalidModel, Context: fmt.Sprintf("message event '%s' has no message name", el.ID)}
		}
		return validExpression(ctx, eng, el, ev.CorrelationKey)
	case model.EventTimer:
		set := 0
		for _, s := range []string{ev.TimeDuration, ev.TimeDate, ev.TimeCycle} {
			if s != "" {
				set++
			}
		}
		if set != 1 {
			return &valError{Err: errors.ErrInvalidModel, Context: fmt.Sprintf("timer event '%s' needs exactly one of duration, date or cycle", el.ID)}
		}
		if ev.TimeDate != "" && !expression.IsExpression(ev.TimeDate) {
			if _, err := iso8601.ParseString(ev.TimeDate); err != nil {
				return &valError{Err: fmt.Errorf("timer date: %w", err), Context: el.ID}
			}
		}
		for _, s := range []string{ev.TimeDuration, ev.TimeDate, ev.TimeCycle} {
			if err := validExpression(ctx, eng, el, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func validLoop(ctx context.Context, eng expression.Engine, el *model.Element) error {
	if el.Loop.InputCollection == "" {
		return &valError{Err: errors.ErrInvalidModel, Context: fmt.Sprintf("multi-instance '%s' has no input collection", el.ID)}
	}
	for _, s := range []string{el.Loop.InputCollection, el.Loop.OutputElement, el.Loop.CompletionCondition} {
		if err := validExpression(ctx, eng, el, s); err != nil {
			return err
		}
	}
	return nil
}

func validExpression(ctx context.Context, eng expression.Engine, el *model.Element, exp string) error {
	if !expression.IsExpression(exp) {
		return nil
	}
	if _, err := expression.GetVariables(ctx, eng, exp); err != nil {
		return &valError{Err: err, Context: fmt.Sprintf("expression '%s' of '%s'", exp, el.ID)}
	}
	return nil
}

type valError struct {
	Err     error
	Context string
}

func (e valError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Context)
}

//goland:noinspection GoUnnecessarilyExportedIdentifiers
func (e valError) Unwrap() error {
	return e.Err
}

var validKeyRe = regexp.MustCompile(`\A[-/_=\.a-zA-Z0-9]+\z`)

// is a NATS compatible name
func validName(name string) error {
	if len(name) == 0 || name[0] == '.' || name[len(name)-1] == '.' {
		return fmt.Errorf("'%s' contains invalid characters: %w", name, errors.ErrInvalidModel)
	}
	if !validKeyRe.MatchString(name) {
		return fmt.Errorf("'%s' contains invalid characters: %w", name, errors.ErrInvalidModel)
	}
	return nil
}
