package jsonx

import "encoding/json"

// Field is a tri-state JSON value: absent, explicit null, or a value of T.
// The zero Field is "absent". Override payloads need the distinction so that
// omitting a field means "inherit the base value".
type Field[T any] struct {
	set  bool
	null bool
	val  T
}

func (f Field[T]) IsSet() bool      { return f.set }
func (f Field[T]) IsNull() bool     { return f.set && f.null }
func (f Field[T]) Value() (T, bool) { return f.val, f.set && !f.null }

// Of returns a Field holding v.
func Of[T any](v T) Field[T] {
	return Field[T]{set: true, val: v}
}

func (f *Field[T]) UnmarshalJSON(b []byte) error {
	if string(trimSpace(b)) == "null" {
		var zero T
		f.set, f.null, f.val = true, true, zero
		return nil
	}

	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.set, f.null, f.val = true, false, v
	return nil
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.set || f.null {
		return []byte("null"), nil
	}
	return json.Marshal(f.val)
}
