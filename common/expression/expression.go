package expression

import (
	"context"
	"fmt"
	"strings"

	"gitlab.com/shar-workflow/shar-scopes/common/logx"
	errors2 "gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// Variable contains metadata about a variable.
type Variable struct {
	Name string
}

// Engine represents an expression engine implementation.
type Engine interface {
	// Eval evaluates an expression given a set of variables and returns a generic type.
	Eval(ctx context.Context, expr string, vars map[string]interface{}) (interface{}, error)
	// GetVariables returns a list of variables mentioned in an expression
	GetVariables(ctx context.Context, expr string) ([]Variable, error)
}

// Eval evaluates an expression given a set of variables and returns a generic type.
func Eval[T any](ctx context.Context, eng Engine, exp string, vars map[string]interface{}) (retval T, reterr error) { //nolint:ireturn
	defer func() {
		if err := recover(); err != nil {
			retval = *new(T)
			reterr = logx.Err(ctx, "panic: evaluate expression", &errors2.ErrWorkflowFatal{Err: fmt.Errorf("%v", err)}, "expression", exp)
		}
	}()
	res, err := eng.Eval(ctx, exp, vars)
	if err != nil {
		return *new(T), fmt.Errorf("evaluate expression: %w", err)
	}
	ret, ok := res.(T)
	if !ok {
		return *new(T), fmt.Errorf("expression '%s' produced %T but %T was expected", exp, res, *new(T))
	}
	return ret, nil
}

// EvalAny evaluates an expression given a set of variables and returns a 'boxed' interface type.
func EvalAny(ctx context.Context, eng Engine, exp string, vars map[string]interface{}) (retval interface{}, reterr error) { //nolint:ireturn
	defer func() {
		if err := recover(); err != nil {
			reterr = logx.Err(ctx, "panic: evaluate expression", &errors2.ErrWorkflowFatal{Err: fmt.Errorf("%v", err)}, "expression", exp)
		}
	}()
	res, err := eng.Eval(ctx, exp, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}
	return res, nil
}

// GetVariables returns a list of variables mentioned in an expression
func GetVariables(ctx context.Context, eng Engine, exp string) ([]Variable, error) {
	res, err := eng.GetVariables(ctx, exp)
	if err != nil {
		return nil, fmt.Errorf("get expression variables: %w", err)
	}
	return res, nil
}

// IsExpression reports whether exp is an expression rather than a literal value.
func IsExpression(exp string) bool {
	return strings.HasPrefix(strings.TrimSpace(exp), "=")
}

// VariablePath returns the root variable name when exp is a bare variable reference or a nested
// property path of one, such as "=item" or "=result.value".
func VariablePath(exp string) (string, bool) {
	exp = strings.TrimSpace(exp)
	exp = strings.TrimSpace(strings.TrimPrefix(exp, "="))
	if exp == "" {
		return "", false
	}
	parts := strings.Split(exp, ".")
	for _, p := range parts {
		if !isIdentifier(p) {
			return "", false
		}
	}
	switch parts[0] {
	case "true", "false", "nil":
		return "", false
	}
	return parts[0], true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
