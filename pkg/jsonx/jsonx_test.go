package jsonx

import (
	"errors"
	"strings"
	"testing"
)

type payload struct {
	Name  string          `json:"name"`
	Count Field[int]      `json:"count"`
	Tags  Field[[]string] `json:"tags"`
}

func TestFieldTriState(t *testing.T) {
	tests := map[string]struct {
		body     string
		wantSet  bool
		wantNull bool
		wantVal  int
	}{
		"absent": {body: `{"name":"x"}`},
		"null":   {body: `{"name":"x","count":null}`, wantSet: true, wantNull: true},
		"value":  {body: `{"name":"x","count":3}`, wantSet: true, wantVal: 3},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var p payload
			if err := DecodeStrict(strings.NewReader(tt.body), &p); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.Count.IsSet() != tt.wantSet {
				t.Errorf("IsSet = %v, want %v", p.Count.IsSet(), tt.wantSet)
			}
			if p.Count.IsNull() != tt.wantNull {
				t.Errorf("IsNull = %v, want %v", p.Count.IsNull(), tt.wantNull)
			}
			if v, ok := p.Count.Value(); ok != (tt.wantSet && !tt.wantNull) || v != tt.wantVal {
				t.Errorf("Value = (%v, %v)", v, ok)
			}
		})
	}
}

func TestDecodeStrictRejects(t *testing.T) {
	tests := map[string]string{
		"malformed":     `{"name":`,
		"unknown field": `{"name":"x","bogus":1}`,
		"wrong type":    `{"name":3}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			var p payload
			if err := DecodeStrict(strings.NewReader(body), &p); err == nil {
				t.Errorf("decode of %q succeeded", body)
			}
		})
	}
}

func TestDecodeStrictEmptyAndTrailing(t *testing.T) {
	var p payload
	if err := DecodeStrict(strings.NewReader("  "), &p); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("empty body error = %v", err)
	}
	if err := DecodeStrict(strings.NewReader(`{"name":"x"} {"name":"y"}`), &p); !errors.Is(err, ErrTrailingJSON) {
		t.Errorf("trailing error = %v", err)
	}
}
