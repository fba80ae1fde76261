package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the JSON type of a Value.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Object
	Array
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Object:
		return "object"
	case Array:
		return "array"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var null = []byte("null")

// Value is a JSON document carried in a frame's value field.
// The zero Value is JSON null.
type Value []byte

// NewValue JSON-encodes v. A Value or json.RawMessage is validated and returned as-is.
func NewValue(v any) (Value, error) {
	switch v := v.(type) {
	case Value:
		return v.checked()
	case json.RawMessage:
		return Value(v).checked()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Value(b), nil
}

func (v Value) checked() (Value, error) {
	if len(v) > 0 && !json.Valid(v) {
		return nil, errors.New("invalid JSON document")
	}
	return v, nil
}

// Kind reports the JSON type of v without decoding it.
func (v Value) Kind() Kind {
	b := bytes.TrimSpace(v)
	if len(b) == 0 {
		return Null
	}
	switch b[0] {
	case 'n':
		return Null
	case 't', 'f':
		return Bool
	case '"':
		return String
	case '{':
		return Object
	case '[':
		return Array
	default:
		return Number
	}
}

func (v Value) IsNull() bool { return v.Kind() == Null }

// Unmarshal decodes v into dst.
func (v Value) Unmarshal(dst any) error {
	if len(v) == 0 {
		return json.Unmarshal(null, dst)
	}
	return json.Unmarshal(v, dst)
}

// Text returns the string held by v, if v is a JSON string.
func (v Value) Text() (string, bool) {
	if v.Kind() != String {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// String returns the JSON text of v.
func (v Value) String() string {
	if len(v) == 0 {
		return "null"
	}
	return string(v)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return null, nil
	}
	return v, nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	if v == nil {
		return errors.New("wire.Value: UnmarshalJSON on nil pointer")
	}
	*v = append((*v)[0:0], b...)
	return nil
}
