package model

import (
	"context"
	"iter"
	"log/slog"
	"maps"

	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/common/logx"
)

// ServerVars manages a decoded variable document.
type ServerVars struct {
	Vals map[string]any
}

// NewServerVars creates and returns a new instance of Vars,
func NewServerVars() *ServerVars {
	return &ServerVars{
		Vals: make(map[string]any),
	}
}

// Encode encodes the map of workflow variables into the binary document form.
func (vars *ServerVars) Encode(ctx context.Context) ([]byte, error) {
	b, err := document.EncodeMap(vars.Vals)
	if err != nil {
		return nil, logx.Err(ctx, "encode vars", err, slog.Int("count", len(vars.Vals)))
	}
	return b, nil
}

// Decode decodes a binary variable document, merging it over the current values.
func (vars *ServerVars) Decode(ctx context.Context, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	m, err := document.DecodeMap(b)
	if err != nil {
		return logx.Err(ctx, "decode vars", err, slog.Int("len", len(b)))
	}
	maps.Copy(vars.Vals, m)
	return nil
}

// Keys returns a sequence of all keys present in the Vars map.
func (vars *ServerVars) Keys() iter.Seq[string] {
	return maps.Keys(vars.Vals)
}

// Len returns the number of key-value pairs in the Vals map of ServerVars.
func (vars *ServerVars) Len() int {
	return len(vars.Vals)
}
