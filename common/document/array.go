package document

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
)

// NilArray encodes an array of n nil placeholders.
func NilArray(n int) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	if err := enc.EncodeArrayLen(n); err != nil {
		return nil, fmt.Errorf("encode array header: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := enc.EncodeNil(); err != nil {
			return nil, fmt.Errorf("encode placeholder: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// ArrayLen returns the number of elements of an encoded array.
func ArrayLen(buf []byte) (int, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(buf))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, fmt.Errorf("read array header: %w", errors.ErrNotAnArray)
	}
	if n < 0 {
		return 0, fmt.Errorf("nil document: %w", errors.ErrNotAnArray)
	}
	return n, nil
}

// ArrayElement returns the encoded element at index without decoding the others.
func ArrayElement(buf []byte, index int) ([]byte, error) {
	start, end, err := elementBounds(buf, index)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(buf[start:end]), nil
}

// SpliceArrayElement returns a copy of an encoded array with the element at index replaced by
// value, which must itself be an encoded value. Elements before and after index are copied
// byte for byte without being re-encoded, and buf is never modified.
func SpliceArrayElement(buf []byte, index int, value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("splice empty value: %w", errors.ErrNotAnArray)
	}
	start, end, err := elementBounds(buf, index)
	if err != nil {
		return nil, err
	}
	ret := make([]byte, 0, len(buf)-(end-start)+len(value))
	ret = append(ret, buf[:start]...)
	ret = append(ret, value...)
	ret = append(ret, buf[end:]...)
	return ret, nil
}

// elementBounds decodes the array header, skips index elements and then the target,
// returning the byte offsets of the target element.
func elementBounds(buf []byte, index int) (int, int, error) {
	r := bytes.NewReader(buf)
	dec := msgpack.NewDecoder(r)
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, 0, fmt.Errorf("read array header: %w", errors.ErrNotAnArray)
	}
	if n < 0 {
		return 0, 0, fmt.Errorf("nil document: %w", errors.ErrNotAnArray)
	}
	if index < 0 || index >= n {
		return 0, 0, fmt.Errorf("element %d of %d: %w", index, n, errors.ErrIndexOutOfRange)
	}
	for i := 0; i < index; i++ {
		if err := dec.Skip(); err != nil {
			return 0, 0, fmt.Errorf("skip element %d: %w", i, err)
		}
	}
	start := len(buf) - r.Len()
	if err := dec.Skip(); err != nil {
		return 0, 0, fmt.Errorf("skip element %d: %w", index, err)
	}
	end := len(buf) - r.Len()
	return start, end, nil
}
