package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/guseggert/shellipc/wire"
	"github.com/xeipuuv/gojsonschema"
)

// Request is an inbound method call.
type Request struct {
	Method string
	Seq    uint64
	Target wire.Target
	// Value is JSON null when the frame carried no value.
	Value wire.Value
	Frame *wire.Frame
}

// Handler answers inbound method calls.
// The returned value is JSON-encoded into the resolve frame; a non-nil error is sent as a failure instead.
type Handler interface {
	ServeIPC(ctx context.Context, req *Request) (any, error)
}

type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) ServeIPC(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// NotificationHandler receives send, stdout and exit frames, in arrival order.
// It runs on the reader goroutine, so it must not block.
type NotificationHandler func(ctx context.Context, f *wire.Frame)

// ErrNotImplemented is returned for methods nobody handles.
type ErrNotImplemented struct {
	Method string
}

func (e *ErrNotImplemented) Error() string {
	return fmt.Sprintf("not implemented: %s", e.Method)
}

type muxEntry struct {
	h      Handler
	schema *gojsonschema.Schema
}

// Mux routes method calls to handlers by method name.
// Unknown methods go to NotFound, or fail with ErrNotImplemented.
type Mux struct {
	NotFound Handler

	mut    sync.RWMutex
	routes map[string]muxEntry
}

func NewMux() *Mux {
	return &Mux{routes: map[string]muxEntry{}}
}

func (m *Mux) Handle(method string, h Handler) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.routes[method] = muxEntry{h: h}
}

func (m *Mux) HandleFunc(method string, f func(ctx context.Context, req *Request) (any, error)) {
	m.Handle(method, HandlerFunc(f))
}

// HandleSchema registers h for method, rejecting values that do not validate against the JSON schema before h sees them.
func (m *Mux) HandleSchema(method string, schema string, h Handler) error {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return fmt.Errorf("compiling schema for %s: %w", method, err)
	}
	m.mut.Lock()
	defer m.mut.Unlock()
	m.routes[method] = muxEntry{h: h, schema: s}
	return nil
}

// MustHandleSchema is like HandleSchema but panics if the schema does not compile.
func (m *Mux) MustHandleSchema(method string, schema string, h Handler) {
	if err := m.HandleSchema(method, schema, h); err != nil {
		panic(err)
	}
}

func (m *Mux) ServeIPC(ctx context.Context, req *Request) (any, error) {
	m.mut.RLock()
	entry, ok := m.routes[req.Method]
	m.mut.RUnlock()

	if !ok {
		if m.NotFound != nil {
			return m.NotFound.ServeIPC(ctx, req)
		}
		return nil, &ErrNotImplemented{Method: req.Method}
	}

	if entry.schema != nil {
		if err := validate(entry.schema, req.Value); err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", req.Method, err)
		}
	}
	return entry.h.ServeIPC(ctx, req)
}

func validate(schema *gojsonschema.Schema, v wire.Value) error {
	doc := []byte(v.String())
	res, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	var msgs []string
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}
