package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the URI scheme used for frames unless configured otherwise.
const Scheme = "ipc"

const (
	CommandResolve = "resolve"
	CommandSend    = "send"
	CommandExit    = "exit"
	CommandStdout  = "stdout"
)

const (
	FieldSeq   = "seq"
	FieldIndex = "index"
	FieldState = "state"
	FieldValue = "value"
	FieldEvent = "event"
)

const (
	StateOK     = "0"
	StateFailed = "1"
)

// NoValue is sent in place of an absent request payload.
// The wire format cannot express "no value", and counterparts rely on this exact sentinel.
const NoValue = "0"

// Target identifies a logical destination on the other side, such as a window index.
type Target int

// DefaultTarget is used when a frame carries no index.
const DefaultTarget Target = 0

// Field is a single query parameter of a frame.
type Field struct {
	Key   string
	Value any
}

// Frame is a decoded line.
type Frame struct {
	Scheme  string
	Command string

	Seq    uint64
	HasSeq bool

	Index Target
	// State is StateOK unless the frame carried another state.
	State string

	// Value is the decoded value field. It is JSON null when HasValue is false.
	Value    Value
	HasValue bool
	// Opaque is set when the value field was not JSON and was kept as a JSON string instead.
	Opaque bool

	// Fields holds every query parameter, unescaped.
	Fields map[string]string
}

// Failed reports whether a resolve frame completes its request with a failure.
func (f *Frame) Failed() bool {
	return f.State != StateOK
}

// Event returns the event name of a send frame.
func (f *Frame) Event() string {
	return f.Fields[FieldEvent]
}

// IsNotification reports whether the frame's command never receives a reply.
func (f *Frame) IsNotification() bool {
	switch f.Command {
	case CommandSend, CommandStdout, CommandExit:
		return true
	}
	return false
}

// Encode encodes command and fields as a frame using Scheme.
func Encode(command string, fields ...Field) (string, error) {
	return EncodeWithScheme(Scheme, command, fields...)
}

// EncodeWithScheme encodes command and fields as a frame, keeping fields in the order given.
func EncodeWithScheme(scheme, command string, fields ...Field) (string, error) {
	if !validScheme(scheme) {
		return "", &EncodingError{Command: command, Err: errInvalidScheme}
	}
	if !validCommand(command) {
		return "", &EncodingError{Command: command, Err: errInvalidCommand}
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(command)
	for i, f := range fields {
		s, err := fieldString(f.Value)
		if err != nil {
			return "", &EncodingError{Command: command, Field: f.Key, Err: err}
		}
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(escape(f.Key))
		b.WriteByte('=')
		b.WriteString(escape(s))
	}

	line := b.String()
	if strings.ContainsAny(line, "\r\n") {
		return "", &EncodingError{Command: command, Err: errLineTerminator}
	}
	return line, nil
}

// EncodeValue renders a request payload for the value field.
// An absent payload or empty string becomes NoValue, strings are sent verbatim,
// and anything else is JSON-encoded.
func EncodeValue(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return NoValue, nil
	case string:
		if p == "" {
			return NoValue, nil
		}
		return p, nil
	case Value:
		if len(p) == 0 {
			return NoValue, nil
		}
	}
	s, err := fieldString(payload)
	if err != nil {
		return "", &EncodingError{Field: FieldValue, Err: err}
	}
	return s, nil
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func fieldString(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", v), nil
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float32:
		return formatFloat(float64(v), 32)
	case float64:
		return formatFloat(v, 64)
	case Target:
		return strconv.Itoa(int(v)), nil
	case Value:
		checked, err := v.checked()
		if err != nil {
			return "", err
		}
		return checked.String(), nil
	case json.RawMessage:
		checked, err := Value(v).checked()
		if err != nil {
			return "", err
		}
		return checked.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var errNonFinite = errors.New("NaN and infinite numbers have no JSON encoding")

func formatFloat(f float64, bits int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("unsupported value %v: %w", f, errNonFinite)
	}
	return strconv.FormatFloat(f, 'g', -1, bits), nil
}

// DecodeOptions tune how strictly Decode treats the value field.
type DecodeOptions struct {
	// AllowOpaqueValues keeps a value field that is not JSON as a JSON string instead of failing.
	// A native shell may send plain strings; a runtime must never accept them.
	// A plain string that is itself valid JSON is taken as JSON: the text "Hi" in quotes decodes as Hi,
	// and 42 as a number. The wire cannot tell the two apart.
	AllowOpaqueValues bool
}

// Decode parses line as a frame, requiring the value field to be JSON.
func Decode(line string) (*Frame, error) {
	return DecodeWith(line, DecodeOptions{})
}

// DecodeWith parses line as a frame.
//
// Every query segment must be a key=value pair. The seq field is required for every command except send and stdout.
// The value of a stdout frame is always plain text.
func DecodeWith(line string, opts DecodeOptions) (*Frame, error) {
	u, err := url.Parse(line)
	if err != nil {
		return nil, malformed(line, "parsing URI: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, malformed(line, "missing scheme or command")
	}

	fields, err := parseQuery(u.RawQuery)
	if err != nil {
		return nil, malformed(line, "parsing query: %w", err)
	}

	f := &Frame{
		Scheme:  u.Scheme,
		Command: u.Host,
		Index:   DefaultTarget,
		State:   StateOK,
		Fields:  fields,
	}

	if s, ok := fields[FieldSeq]; ok {
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, malformed(line, "parsing seq %q: %w", s, err)
		}
		f.Seq = seq
		f.HasSeq = true
	} else if f.Command != CommandSend && f.Command != CommandStdout {
		return nil, malformed(line, "%s frame has no seq", f.Command)
	}

	if s, ok := fields[FieldIndex]; ok && s != "" {
		index, err := strconv.Atoi(s)
		if err != nil {
			return nil, malformed(line, "parsing index %q: %w", s, err)
		}
		f.Index = Target(index)
	}

	if s, ok := fields[FieldState]; ok && s != "" {
		f.State = s
	}

	if s := fields[FieldValue]; s != "" {
		switch {
		case json.Valid([]byte(s)) && f.Command != CommandStdout:
			f.Value = Value(s)
		case opts.AllowOpaqueValues || f.Command == CommandStdout:
			b, err := json.Marshal(s)
			if err != nil {
				return nil, malformed(line, "quoting opaque value: %w", err)
			}
			f.Value = Value(b)
			f.Opaque = true
		default:
			return nil, malformed(line, "value is not valid JSON")
		}
		f.HasValue = true
	}

	return f, nil
}

func parseQuery(raw string) (map[string]string, error) {
	fields := map[string]string{}
	for raw != "" {
		var segment string
		segment, raw, _ = strings.Cut(raw, "&")
		if segment == "" {
			continue
		}
		k, v, ok := strings.Cut(segment, "=")
		if !ok {
			return nil, fmt.Errorf("segment %q has no '='", Excerpt(segment))
		}
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("unescaping key %q: %w", Excerpt(k), err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("unescaping %q: %w", key, err)
		}
		fields[key] = value
	}
	return fields, nil
}

func validCommand(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '.' || r == '-'):
		default:
			return false
		}
	}
	return true
}
