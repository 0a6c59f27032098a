package vars

import (
	"context"
	"fmt"
	"strings"

	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	model2 "gitlab.com/shar-workflow/shar-scopes/internal/model"
	"gitlab.com/shar-workflow/shar-scopes/model"
)

// InputVars evaluates the input mappings of an element against the variables visible to it and
// returns the encoded document of local variables they produce. An element without input
// mappings produces no document.
func InputVars(ctx context.Context, eng expression.Engine, visibleVarsBin []byte, el *model.Element) ([]byte, error) {
	if len(el.InputMappings) == 0 {
		return nil, nil
	}
	b, err := evaluate(ctx, eng, visibleVarsBin, el.InputMappings)
	if err != nil {
		return nil, fmt.Errorf("input mapping of %s: %w", el.ID, err)
	}
	return b, nil
}

// OutputVars evaluates the output mappings of an element against its own variables and returns
// the encoded document to be merged into the enclosing scope.
func OutputVars(ctx context.Context, eng expression.Engine, localVarsBin []byte, el *model.Element) ([]byte, error) {
	if len(el.OutputMappings) == 0 {
		return nil, nil
	}
	b, err := evaluate(ctx, eng, localVarsBin, el.OutputMappings)
	if err != nil {
		return nil, fmt.Errorf("output mapping of %s: %w", el.ID, err)
	}
	return b, nil
}

// CheckVars checks that every variable referenced by a set of mappings is present.
func CheckVars(ctx context.Context, eng expression.Engine, vrs *model2.ServerVars, mappings []model.Mapping) error {
	for _, m := range mappings {
		list, err := expression.GetVariables(ctx, eng, m.Source)
		if err != nil {
			return fmt.Errorf("get the variables to check from mapping %s: %w", m.Target, err)
		}
		for _, i := range list {
			if _, ok := vrs.Vals[i.Name]; !ok {
				return fmt.Errorf("no variable found with name '%s' for mapping to '%s'", i.Name, m.Target)
			}
		}
	}
	return nil
}

func evaluate(ctx context.Context, eng expression.Engine, varsBin []byte, mappings []model.Mapping) ([]byte, error) {
	src := model2.NewServerVars()
	if err := src.Decode(ctx, varsBin); err != nil {
		return nil, fmt.Errorf("decode source variables: %w", err)
	}
	if err := CheckVars(ctx, eng, src, mappings); err != nil {
		return nil, err
	}
	out := model2.NewServerVars()
	for _, m := range mappings {
		res, err := expression.EvalAny(ctx, eng, m.Source, src.Vals)
		if err != nil {
			return nil, fmt.Errorf("evaluate mapping to %s: %w", m.Target, err)
		}
		setPath(out.Vals, m.Target, res)
	}
	b, err := out.Encode(ctx)
	if err != nil {
		return nil, fmt.Errorf("encode mapped variables: %w", err)
	}
	return b, nil
}

// setPath sets a value at a dotted path, creating intermediate objects.
func setPath(vals map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := vals
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
