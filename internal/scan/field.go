package scan

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

var nullToken = []byte("null")

// Field is one raw JSON value of a scan observation. The token is kept
// untouched so detections can echo exactly what the agent sent; an absent
// field marshals as null.
type Field struct {
	raw json.RawMessage
}

// NewField wraps an arbitrary Go value. It panics if v cannot be marshaled,
// so it is meant for literals in tests and sample data.
func NewField(v any) Field {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Field{raw: b}
}

// RawField wraps a raw JSON token without validating it.
func RawField(raw string) Field {
	return Field{raw: json.RawMessage(raw)}
}

func (f *Field) UnmarshalJSON(data []byte) error {
	f.raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

func (f Field) MarshalJSON() ([]byte, error) {
	if f.IsNull() {
		return nullToken, nil
	}
	return f.raw, nil
}

// Raw returns the JSON token as received (nil when absent).
func (f Field) Raw() json.RawMessage { return f.raw }

// IsNull reports whether the field was absent or explicitly null.
func (f Field) IsNull() bool {
	return len(f.raw) == 0 || bytes.Equal(f.raw, nullToken)
}

// AsString returns the content of a JSON string token.
func (f Field) AsString() (string, bool) {
	if len(f.raw) == 0 || f.raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(f.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsInt returns the value of an integer number token. Strings,
// fractions and exponents are rejected.
func (f Field) AsInt() (int, bool) {
	if len(f.raw) == 0 || (f.raw[0] != '-' && (f.raw[0] < '0' || f.raw[0] > '9')) {
		return 0, false
	}
	n, err := strconv.Atoi(string(f.raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

// AsWhole returns the value of a number token that holds a whole number,
// including forms such as 6.0 or 1e2.
func (f Field) AsWhole() (int, bool) {
	if n, ok := f.AsInt(); ok {
		return n, true
	}
	if len(f.raw) == 0 || (f.raw[0] != '-' && (f.raw[0] < '0' || f.raw[0] > '9')) {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(f.raw), 64)
	if err != nil || v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, false
	}
	return int(v), true
}

// Text is the string form of the value: a string's content, or the literal
// token of a number. Other kinds yield "".
func (f Field) Text() string {
	if s, ok := f.AsString(); ok {
		return s
	}
	if len(f.raw) > 0 && (f.raw[0] == '-' || (f.raw[0] >= '0' && f.raw[0] <= '9')) {
		return string(f.raw)
	}
	return ""
}
