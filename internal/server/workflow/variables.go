package workflow

import (
	"context"
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	"gitlab.com/shar-workflow/shar-scopes/internal/server/state"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/vars"
)

// VariableMappingBehavior applies the input and output mappings of elements.
type VariableMappingBehavior struct {
	state *state.State
	expr  expression.Engine
}

// ApplyInputMappings evaluates the input mappings of an element against the variables visible
// to it and stores the result as local variables of the element.
func (b *VariableMappingBehavior) ApplyInputMappings(ctx context.Context, ec *ElementContext) error {
	if len(ec.Element.InputMappings) == 0 {
		return nil
	}
	visible, err := b.state.Variables.GetVariablesAsDocument(ec.Key())
	if err != nil {
		return fmt.Errorf("read variables of %s: %w", ec.Element.ID, err)
	}
	local, err := vars.InputVars(ctx, b.expr, visible, ec.Element)
	if err != nil {
		return mappingFailure(err, "input mapping of '%s' failed", ec.Element.ID)
	}
	if err := b.state.Variables.SetVariablesLocalFromDocument(ec.Key(), local); err != nil {
		return fmt.Errorf("store input of %s: %w", ec.Element.ID, err)
	}
	return nil
}

// ApplyOutputMappings merges the result of an element into its enclosing scope and consumes
// the element's temporary variables. Every value is computed before anything is written, so a
// failure leaves the variables untouched.
//
// With output mappings, the temporary variables become local variables of the element and the
// mapped results are written from the enclosing scope outward. Without them, the temporary
// variables themselves are written from the element outward.
func (b *VariableMappingBehavior) ApplyOutputMappings(ctx context.Context, ec *ElementContext) error {
	temps, hasTemps := b.state.Variables.GetTemporaryVariables(ec.Key())
	if len(ec.Element.OutputMappings) > 0 {
		visible, err := b.state.Variables.GetVariablesAsMap(ec.Key())
		if err != nil {
			return fmt.Errorf("read variables of %s: %w", ec.Element.ID, err)
		}
		if hasTemps {
			t, err := document.DecodeMap(temps)
			if err != nil {
				return fmt.Errorf("read result of %s: %w", ec.Element.ID, err)
			}
			for k, v := range t {
				visible[k] = v
			}
		}
		src, err := document.EncodeMap(visible)
		if err != nil {
			return fmt.Errorf("encode variables of %s: %w", ec.Element.ID, err)
		}
		out, err := vars.OutputVars(ctx, b.expr, src, ec.Element)
		if err != nil {
			return mappingFailure(err, "output mapping of '%s' failed", ec.Element.ID)
		}
		if hasTemps {
			if err := b.state.Variables.SetVariablesLocalFromDocument(ec.Key(), temps); err != nil {
				return fmt.Errorf("store result of %s: %w", ec.Element.ID, err)
			}
		}
		target := ec.FlowScopeKey()
		if target == 0 {
			target = ec.Key()
		}
		if err := b.state.Variables.SetVariablesFromDocument(target, out); err != nil {
			return fmt.Errorf("store output of %s: %w", ec.Element.ID, err)
		}
	} else if hasTemps {
		if err := b.state.Variables.SetVariablesFromDocument(ec.Key(), temps); err != nil {
			return fmt.Errorf("store result of %s: %w", ec.Element.ID, err)
		}
	}
	b.state.Variables.RemoveTemporaryVariables(ec.Key())
	return nil
}

// mappingFailure turns a mapping error into an incident unless the expression itself is broken.
func mappingFailure(err error, format string, args ...any) error {
	if errors.IsFatal(err) {
		return err
	}
	return errors.NewFailure(errors.IOMappingError, err, format, args...)
}
