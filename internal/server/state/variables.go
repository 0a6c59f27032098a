package state

import (
	"bytes"
	"fmt"

	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// VariableListener is told about every variable write.
type VariableListener interface {
	VariableCreated(key int64, v *model.VariableValue)
	VariableUpdated(key int64, v *model.VariableValue)
}

type variable struct {
	Key   int64  `msgpack:"key"`
	Value []byte `msgpack:"value"`
}

type variableScope struct {
	Parent             int64 `msgpack:"parent"`
	ProcessInstanceKey int64 `msgpack:"pik"`
}

// VariableScopeStore is a hierarchical variable store scoped to element instances.
// Values are encoded documents. Reads walk outward from the requesting scope.
type VariableScopeStore struct {
	j        *Journal
	keys     *KeyGenerator
	scopes   map[int64]variableScope
	vars     map[int64]map[string]variable
	temps    map[int64][]byte
	listener VariableListener
}

func newVariableScopeStore(j *Journal, keys *KeyGenerator) *VariableScopeStore {
	return &VariableScopeStore{
		j:      j,
		keys:   keys,
		scopes: make(map[int64]variableScope),
		vars:   make(map[int64]map[string]variable),
		temps:  make(map[int64][]byte),
	}
}

// SetListener sets the receiver of variable write notifications.
func (s *VariableScopeStore) SetListener(l VariableListener) {
	s.listener = l
}

// CreateScope creates the variable scope of an element instance. Parent is 0 for a root scope.
func (s *VariableScopeStore) CreateScope(key int64, parent int64, processInstanceKey int64) error {
	if _, ok := s.scopes[key]; ok {
		return nil
	}
	if parent != 0 {
		if _, ok := s.scopes[parent]; !ok {
			return fmt.Errorf("parent scope %d of %d: %w", parent, key, errors.ErrScopeNotFound)
		}
	}
	put(s.j, s.scopes, key, variableScope{Parent: parent, ProcessInstanceKey: processInstanceKey})
	return nil
}

// HasScope reports whether a scope exists.
func (s *VariableScopeStore) HasScope(key int64) bool {
	_, ok := s.scopes[key]
	return ok
}

// RemoveScope removes a scope with its variables and temporary variables.
func (s *VariableScopeStore) RemoveScope(key int64) {
	del(s.j, s.vars, key)
	del(s.j, s.temps, key)
	del(s.j, s.scopes, key)
}

// GetVariable resolves a variable by walking from scope outward to the nearest owner.
func (s *VariableScopeStore) GetVariable(scope int64, name string) ([]byte, bool) {
	for cur := scope; cur != 0; {
		if v, ok := s.vars[cur][name]; ok {
			return v.Value, true
		}
		sc, ok := s.scopes[cur]
		if !ok {
			return nil, false
		}
		cur = sc.Parent
	}
	return nil, false
}

// GetVariableLocal reads a variable owned by scope itself.
func (s *VariableScopeStore) GetVariableLocal(scope int64, name string) ([]byte, bool) {
	v, ok := s.vars[scope][name]
	return v.Value, ok
}

// SetVariableLocal writes a variable into scope itself.
func (s *VariableScopeStore) SetVariableLocal(scope int64, name string, value []byte) error {
	sc, ok := s.scopes[scope]
	if !ok {
		return fmt.Errorf("set variable %s: scope %d: %w", name, scope, errors.ErrScopeNotFound)
	}
	local, ok := s.vars[scope]
	if !ok {
		local = make(map[string]variable)
		put(s.j, s.vars, scope, local)
	}
	old, exists := local[name]
	if exists && bytes.Equal(old.Value, value) {
		return nil
	}
	v := variable{Key: old.Key, Value: bytes.Clone(value)}
	if !exists {
		v.Key = s.keys.Next()
	}
	put(s.j, local, name, v)
	if s.listener != nil {
		rec := &model.VariableValue{Name: name, Value: v.Value, ScopeKey: scope, ProcessInstanceKey: sc.ProcessInstanceKey}
		if exists {
			s.listener.VariableUpdated(v.Key, rec)
		} else {
			s.listener.VariableCreated(v.Key, rec)
		}
	}
	return nil
}

// SetVariable writes a variable into the nearest scope, starting at scope, that already owns it.
// If no scope owns it, it is created in the outermost scope.
func (s *VariableScopeStore) SetVariable(scope int64, name string, value []byte) error {
	target := scope
	for cur := scope; cur != 0; {
		if _, ok := s.vars[cur][name]; ok {
			target = cur
			break
		}
		sc, ok := s.scopes[cur]
		if !ok {
			return fmt.Errorf("set variable %s: scope %d: %w", name, cur, errors.ErrScopeNotFound)
		}
		target = cur
		cur = sc.Parent
	}
	return s.SetVariableLocal(target, name, value)
}

// SetVariablesLocalFromDocument writes every entry of a document into scope itself.
func (s *VariableScopeStore) SetVariablesLocalFromDocument(scope int64, doc []byte) error {
	return s.setFromDocument(doc, func(name string, value []byte) error {
		return s.SetVariableLocal(scope, name, value)
	})
}

// SetVariablesFromDocument writes every entry of a document with SetVariable semantics.
func (s *VariableScopeStore) SetVariablesFromDocument(scope int64, doc []byte) error {
	return s.setFromDocument(doc, func(name string, value []byte) error {
		return s.SetVariable(scope, name, value)
	})
}

func (s *VariableScopeStore) setFromDocument(doc []byte, set func(string, []byte) error) error {
	if len(doc) == 0 {
		return nil
	}
	entries, err := document.SplitDocument(doc)
	if err != nil {
		return fmt.Errorf("split variable document: %w", err)
	}
	for _, name := range document.SortedNames(entries) {
		if err := set(name, entries[name]); err != nil {
			return err
		}
	}
	return nil
}

// GetVariablesAsMap returns every variable visible from scope, the nearest owner winning.
func (s *VariableScopeStore) GetVariablesAsMap(scope int64) (map[string]any, error) {
	ret := make(map[string]any)
	for cur := scope; cur != 0; {
		for name, v := range s.vars[cur] {
			if _, seen := ret[name]; seen {
				continue
			}
			dv, err := document.Decode(v.Value)
			if err != nil {
				return nil, fmt.Errorf("decode variable %s of scope %d: %w", name, cur, err)
			}
			ret[name] = dv
		}
		sc, ok := s.scopes[cur]
		if !ok {
			break
		}
		cur = sc.Parent
	}
	return ret, nil
}

// GetVariablesAsDocument returns every variable visible from scope as one encoded document.
func (s *VariableScopeStore) GetVariablesAsDocument(scope int64) ([]byte, error) {
	m, err := s.GetVariablesAsMap(scope)
	if err != nil {
		return nil, err
	}
	return document.EncodeMap(m)
}

// GetLocalVariablesAsDocument returns the variables owned by scope itself.
func (s *VariableScopeStore) GetLocalVariablesAsDocument(scope int64) ([]byte, error) {
	m := make(map[string]any, len(s.vars[scope]))
	for name, v := range s.vars[scope] {
		dv, err := document.Decode(v.Value)
		if err != nil {
			return nil, fmt.Errorf("decode variable %s of scope %d: %w", name, scope, err)
		}
		m[name] = dv
	}
	return document.EncodeMap(m)
}

// SetTemporaryVariables stores a payload document, such as event or completion variables,
// against a scope until the scope's handler consumes it.
func (s *VariableScopeStore) SetTemporaryVariables(scope int64, doc []byte) {
	put(s.j, s.temps, scope, bytes.Clone(doc))
}

// GetTemporaryVariables returns the payload document of a scope, if any.
func (s *VariableScopeStore) GetTemporaryVariables(scope int64) ([]byte, bool) {
	b, ok := s.temps[scope]
	return b, ok
}

// RemoveTemporaryVariables discards the payload document of a scope.
func (s *VariableScopeStore) RemoveTemporaryVariables(scope int64) {
	del(s.j, s.temps, scope)
}
