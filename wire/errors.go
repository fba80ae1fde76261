package wire

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const excerptLen = 100

var (
	errInvalidCommand = errors.New("command must be non-empty and contain only letters, digits, '.', '_' or '-'")
	errInvalidScheme  = errors.New("scheme must be non-empty and contain only letters, digits, '+', '.' or '-'")
	errLineTerminator = errors.New("encoded frame contains a line terminator")
)

// EncodingError is returned when an outgoing frame cannot be encoded.
type EncodingError struct {
	Command string
	// Field is the name of the offending field, empty when the command itself is at fault.
	Field string
	Err   error
}

func (e *EncodingError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("encoding %q frame: %s", e.Command, e.Err)
	}
	return fmt.Sprintf("encoding %q frame field %q: %s", e.Command, e.Field, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// MalformedMessageError is returned when an incoming line is not a valid frame.
// It only ever carries a bounded excerpt of the line, see Excerpt.
type MalformedMessageError struct {
	Excerpt string
	Err     error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s (%s)", e.Err, e.Excerpt)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

func malformed(line string, format string, args ...any) *MalformedMessageError {
	return &MalformedMessageError{Excerpt: Excerpt(line), Err: fmt.Errorf(format, args...)}
}

// Excerpt returns the start and the end of s for diagnostics.
// Lines longer than two excerpts are elided in the middle.
func Excerpt(s string) string {
	if len(s) <= 2*excerptLen {
		return s
	}
	head := excerptLen
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - excerptLen
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + "..." + s[tail:]
}
