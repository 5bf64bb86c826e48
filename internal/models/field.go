package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Kind identifies the JSON type carried by a Field.
type Kind int

const (
	KindAbsent Kind = iota
	KindNull
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

// String returns the lower-case JSON type name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "absent"
	}
}

// Field is an optional, loosely typed JSON value from a submitted payload.
// The zero value is an absent field.
type Field struct {
	raw json.RawMessage
}

// NewField builds a Field from a Go value. Used by tests and the CLI.
func NewField(v interface{}) Field {
	b, err := json.Marshal(v)
	if err != nil {
		return Field{}
	}
	return Field{raw: b}
}

// RawField wraps an already encoded JSON value.
func RawField(b []byte) Field {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Field{}
	}
	return Field{raw: append(json.RawMessage(nil), b...)}
}

// UnmarshalJSON keeps the encoded value as is; decoding happens on access.
func (f *Field) UnmarshalJSON(b []byte) error {
	*f = RawField(b)
	return nil
}

// MarshalJSON writes the stored value, or null when absent.
func (f Field) MarshalJSON() ([]byte, error) {
	if len(f.raw) == 0 {
		return []byte("null"), nil
	}
	return f.raw, nil
}

// Raw returns the encoded JSON value, or nil when absent.
func (f Field) Raw() json.RawMessage {
	return f.raw
}

// Present reports whether the key appeared in the input, even as null.
func (f Field) Present() bool {
	return f.Kind() != KindAbsent
}

// Kind classifies the stored value by its first byte.
func (f Field) Kind() Kind {
	if len(f.raw) == 0 {
		return KindAbsent
	}
	switch c := f.raw[0]; {
	case c == 'n':
		return KindNull
	case c == '"':
		return KindString
	case c == 't' || c == 'f':
		return KindBool
	case c == '{':
		return KindObject
	case c == '[':
		return KindArray
	default:
		return KindNumber
	}
}

// AsString returns the decoded value of a JSON string.
func (f Field) AsString() (string, bool) {
	if f.Kind() != KindString {
		return "", false
	}
	var s string
	if err := json.Unmarshal(f.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsNumber returns the value of a JSON number.
func (f Field) AsNumber() (float64, bool) {
	if f.Kind() != KindNumber {
		return 0, false
	}
	n, err := strconv.ParseFloat(string(f.raw), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// AsBool returns the value of a JSON boolean.
func (f Field) AsBool() (bool, bool) {
	switch f.Kind() {
	case KindBool:
		return f.raw[0] == 't', true
	default:
		return false, false
	}
}

// Truthy reports whether the value would be treated as set by a loose
// "value or default" rule: absent, null, false, zero and "" are not.
func (f Field) Truthy() bool {
	switch f.Kind() {
	case KindAbsent, KindNull:
		return false
	case KindString:
		s, ok := f.AsString()
		return ok && s != ""
	case KindNumber:
		n, ok := f.AsNumber()
		return ok && n != 0
	case KindBool:
		b, _ := f.AsBool()
		return b
	default:
		return true
	}
}

// Text renders a truthy field as text. Strings are returned decoded with NUL
// characters removed, every other kind as its compact JSON form. Falsy fields,
// and strings left empty, yield "", false.
func (f Field) Text() (string, bool) {
	if !f.Truthy() {
		return "", false
	}
	if s, ok := f.AsString(); ok {
		s = StripNUL(s)
		return s, s != ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, f.raw); err != nil {
		return string(f.raw), true
	}
	return buf.String(), true
}

// StripNUL removes U+0000, which text columns in Postgres cannot hold.
func StripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
