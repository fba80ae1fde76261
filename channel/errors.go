package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/guseggert/shellipc/wire"
)

// ErrChannelClosed rejects requests still pending when the channel is torn down, and requests made afterwards.
var ErrChannelClosed = errors.New("channel closed")

// HandlerError is a failure raised by a Handler.
// It is sent to the other side as {"error":{"message":...}} with a failed state.
type HandlerError struct {
	Method string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handling %s: %s", e.Method, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// RemoteError completes a request the other side resolved with a failed state.
type RemoteError struct {
	Method string
	Seq    uint64
	// Value is the error payload as sent by the other side.
	Value wire.Value
}

func (e *RemoteError) Error() string {
	msg := e.Message()
	if msg == "" {
		msg = e.Value.String()
	}
	return fmt.Sprintf("%s request %d failed: %s", e.Method, e.Seq, msg)
}

// Message extracts the error message from an {"error":{"message":...}} or {"err":{"message":...}} payload.
func (e *RemoteError) Message() string {
	var body struct {
		Error *errorMessage `json:"error"`
		Err   *errorMessage `json:"err"`
	}
	if e.Value.Kind() != wire.Object || e.Value.Unmarshal(&body) != nil {
		if s, ok := e.Value.Text(); ok {
			return s
		}
		return ""
	}
	switch {
	case body.Error != nil:
		return body.Error.Message
	case body.Err != nil:
		return body.Err.Message
	}
	return ""
}

type errorMessage struct {
	Message string `json:"message"`
}

type errorBody struct {
	Error errorMessage `json:"error"`
}

// errorDocument renders err as {"error":{"message":...}}, without the HandlerError prefix.
func errorDocument(err error) []byte {
	msg := err.Error()
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) && handlerErr.Err != nil {
		msg = handlerErr.Err.Error()
	}
	b, _ := json.Marshal(errorBody{Error: errorMessage{Message: msg}})
	return b
}
