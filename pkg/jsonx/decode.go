package jsonx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

var (
	ErrEmptyBody    = errors.New("empty body")
	ErrTrailingJSON = errors.New("trailing data")
)

// DecodeStrict reads exactly one JSON value from r into dst, rejecting
// unknown object fields and trailing content. Failures map to a client
// error (bad request): malformed syntax, empty input, oversized input
// (capped at 1MB), field-type mismatches, extra fields, extra values.
//
// Shape validation only; required fields and semantic rules are the
// caller's business.
func DecodeStrict[T any](r io.Reader, dst *T) error {
	body, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return err
	}
	if len(trimSpace(body)) == 0 {
		return ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingJSON
	}
	return nil
}

func trimSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\n' || b[i] == '\t' || b[i] == '\r') {
		i++
	}
	j := len(b) - 1
	for j >= i && (b[j] == ' ' || b[j] == '\n' || b[j] == '\t' || b[j] == '\r') {
		j--
	}
	return b[i : j+1]
}
