package expression

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	errors2 "gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// ExprEngine is an implementation of the expr-lang an expression engine.
type ExprEngine struct {
}

// Eval evaluates an expression. An empty expression evaluates to nil. A leading "=" marks an
// expression; anything else is returned unchanged as a string literal.
// Compilation errors are fatal, evaluation errors are returned wrapped.
func (e *ExprEngine) Eval(_ context.Context, exp string, vars map[string]interface{}) (interface{}, error) {
	exp = strings.TrimSpace(exp)
	if len(exp) == 0 {
		return nil, nil
	}
	if exp[0] != '=' {
		return exp, nil
	}
	exp = exp[1:]
	ex, err := expr.Compile(exp)
	if err != nil {
		return nil, fmt.Errorf(err.Error()+": %w", &errors2.ErrWorkflowFatal{Err: err})
	}

	res, err := expr.Run(ex, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}

	return res, nil
}

// GetVariables parses an expression and collects every identifier it refers to.
// Literals have no variables.
func (e *ExprEngine) GetVariables(_ context.Context, exp string) ([]Variable, error) {
	exp = strings.TrimSpace(exp)
	if len(exp) == 0 {
		return nil, nil
	}
	if exp[0] == '=' {
		exp = exp[1:]
	} else {
		return nil, nil
	}
	c, err := parser.Parse(exp)
	if err != nil {
		return nil, fmt.Errorf("get variables failed to parse expression %w", err)
	}

	g := &exprVariableWalker{v: make([]Variable, 0)}
	ast.Walk(&c.Node, g)
	return g.v, nil
}

type exprVariableWalker struct {
	v []Variable
}

// Visit is called from the visitor to iterate all IdentifierNode types
func (w *exprVariableWalker) Visit(n *ast.Node) {
	if t, ok := (*n).(*ast.IdentifierNode); ok {
		w.v = append(w.v, Variable{Name: t.Value})
	}
}

// Exit is unused in the variableWalker implementation
func (w *exprVariableWalker) Exit(_ *ast.Node) {}
