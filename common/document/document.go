// Package document encodes variable values and variable documents into the compact binary form
// stored by the engine. Encoding is deterministic: map keys are written in sorted order and
// integers always use their full width, so equal values always produce equal bytes.
package document

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Nil is the encoded form of a nil value.
var Nil = []byte{0xc0}

// EmptyDocument is the encoded form of an empty variable document.
var EmptyDocument = []byte{0x80}

// Encode encodes a value.
func Encode(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	// The encoder only sorts maps keyed by string with bool, string or interface values.
	b, err := canonical(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("order encoded maps: %w", err)
	}
	return b, nil
}

// canonical rewrites an encoded value so that the entries of every map, at any depth, are
// ordered by their encoded keys. Everything else is copied byte for byte.
func canonical(buf []byte) ([]byte, error) {
	out, rest, err := appendCanonical(make([]byte, 0, len(buf)), buf)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(rest))
	}
	return out, nil
}

func appendCanonical(out []byte, buf []byte) ([]byte, []byte, error) {
	if len(buf) == 0 {
		return nil, nil, io.ErrUnexpectedEOF
	}
	switch c := buf[0]; {
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		n, size, err := measure(buf, (*msgpack.Decoder).DecodeMapLen)
		if err != nil {
			return nil, nil, err
		}
		rest := buf[size:]
		entries := make([][2][]byte, n)
		for i := range entries {
			if entries[i][0], rest, err = appendCanonical(nil, rest); err != nil {
				return nil, nil, err
			}
			if entries[i][1], rest, err = appendCanonical(nil, rest); err != nil {
				return nil, nil, err
			}
		}
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i][0], entries[j][0]) < 0
		})
		out = append(out, buf[:size]...)
		for _, e := range entries {
			out = append(out, e[0]...)
			out = append(out, e[1]...)
		}
		return out, rest, nil
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		n, size, err := measure(buf, (*msgpack.Decoder).DecodeArrayLen)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, buf[:size]...)
		rest := buf[size:]
		for i := 0; i < n; i++ {
			if out, rest, err = appendCanonical(out, rest); err != nil {
				return nil, nil, err
			}
		}
		return out, rest, nil
	default:
		_, size, err := measure(buf, func(d *msgpack.Decoder) (int, error) { return 0, d.Skip() })
		if err != nil {
			return nil, nil, err
		}
		return append(out, buf[:size]...), buf[size:], nil
	}
}

// measure runs read over the start of buf and reports how many bytes it consumed.
func measure(buf []byte, read func(*msgpack.Decoder) (int, error)) (int, int, error) {
	r := bytes.NewReader(buf)
	n, err := read(msgpack.NewDecoder(r))
	if err != nil {
		return 0, 0, err
	}
	return n, len(buf) - r.Len(), nil
}

// Decode decodes a value. Integers decode as int64, floats as float64, maps as map[string]any.
func Decode(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return normalise(v), nil
}

// DecodeMap decodes a variable document. An empty buffer is an empty document.
func DecodeMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	v, err := Decode(b)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode document: expected object but found %T", v)
	}
	return m, nil
}

// EncodeMap encodes a variable document.
func EncodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return Encode(m)
}

// SplitDocument decodes a document into its encoded entries.
func SplitDocument(b []byte) (map[string][]byte, error) {
	m, err := DecodeMap(b)
	if err != nil {
		return nil, err
	}
	ret := make(map[string][]byte, len(m))
	for k, v := range m {
		ev, err := Encode(v)
		if err != nil {
			return nil, fmt.Errorf("encode entry %s: %w", k, err)
		}
		ret[k] = ev
	}
	return ret, nil
}

// SortedNames returns the names of a document in sorted order.
func SortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// normalise converts the generic map forms produced by loose decoding into map[string]any.
func normalise(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalise(e)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = normalise(e)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = normalise(e)
		}
		return t
	default:
		return v
	}
}
