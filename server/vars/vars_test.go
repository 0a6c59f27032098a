package vars

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/common/expression"
	"gitlab.com/shar-workflow/shar-scopes/model"
)

var eng = &expression.ExprEngine{}

func encode(t *testing.T, m map[string]any) []byte {
	t.Helper()
	b, err := document.EncodeMap(m)
	require.NoError(t, err)
	return b
}

func TestInputVars(t *testing.T) {
	el := &model.Element{ID: "sub", InputMappings: []model.Mapping{
		{Source: "=order.total * 2", Target: "doubled"},
		{Source: "=order.id", Target: "ref.id"},
		{Source: "fixed", Target: "label"},
	}}
	b, err := InputVars(context.Background(), eng, encode(t, map[string]any{"order": map[string]any{"total": int64(21), "id": "o-1"}}), el)
	require.NoError(t, err)
	m, err := document.DecodeMap(b)
	require.NoError(t, err)
	assert.Equal(t, int64(42), m["doubled"])
	assert.Equal(t, map[string]any{"id": "o-1"}, m["ref"])
	assert.Equal(t, "fixed", m["label"])
}

func TestInputVarsNoMappings(t *testing.T) {
	b, err := InputVars(context.Background(), eng, nil, &model.Element{ID: "x"})
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestOutputVarsMissingVariable(t *testing.T) {
	el := &model.Element{ID: "sub", OutputMappings: []model.Mapping{{Source: "=missing", Target: "result"}}}
	_, err := OutputVars(context.Background(), eng, encode(t, map[string]any{"present": 1}), el)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestOutputVars(t *testing.T) {
	el := &model.Element{ID: "sub", OutputMappings: []model.Mapping{{Source: "=x + 1", Target: "y"}}}
	b, err := OutputVars(context.Background(), eng, encode(t, map[string]any{"x": int64(1)}), el)
	require.NoError(t, err)
	m, err := document.DecodeMap(b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m["y"])
}
