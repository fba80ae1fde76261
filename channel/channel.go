package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/shellipc/wire"
	"go.uber.org/zap"
)

// Channel is one end of a duplex RPC channel.
// Requests may be issued from any number of goroutines; Serve must run for replies to be delivered.
type Channel struct {
	id  string
	log *zap.SugaredLogger

	in     io.Reader
	out    *lineWriter
	frames FrameReader

	scheme         string
	decodeOpts     wire.DecodeOptions
	handler        Handler
	notify         NotificationHandler
	requestTimeout time.Duration
	warnThreshold  int

	seq     atomic.Uint64
	pending *pendingTable

	ctx       context.Context
	cancel    func()
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

type Option func(c *Channel)

// WithLogger sets the logger for diagnostics. Diagnostics never go to the channel's own stream.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		c.log = l.Sugar()
	}
}

// WithHandler sets the handler for inbound method calls. Without one, every call fails with ErrNotImplemented.
func WithHandler(h Handler) Option {
	return func(c *Channel) {
		c.handler = h
	}
}

func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Channel) {
		c.notify = h
	}
}

// WithRequestTimeout bounds how long Request waits for a resolve. The default of zero waits forever.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.requestTimeout = d
	}
}

// WithWarnThreshold sets the frame size in bytes above which sending or receiving logs a warning.
// Zero disables the warning.
func WithWarnThreshold(n int) Option {
	return func(c *Channel) {
		c.warnThreshold = n
	}
}

// WithOpaqueValues accepts non-JSON value fields as strings.
// This is for the shell side of the channel, which receives plain string payloads from the runtime.
// A plain string that happens to be valid JSON, such as "Hi" with its quotes, is still decoded as JSON and loses its quotes.
func WithOpaqueValues() Option {
	return func(c *Channel) {
		c.decodeOpts.AllowOpaqueValues = true
	}
}

func WithScheme(scheme string) Option {
	return func(c *Channel) {
		c.scheme = scheme
	}
}

func WithID(id string) Option {
	return func(c *Channel) {
		c.id = id
	}
}

// New constructs a channel reading frames from in and writing frames to out.
// If in is an io.Closer, closing the channel closes it.
func New(in io.Reader, out io.Writer, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:            uuid.NewString(),
		log:           zap.NewNop().Sugar(),
		in:            in,
		scheme:        wire.Scheme,
		warnThreshold: DefaultWarnThreshold,
		pending:       newPendingTable(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("channel").With("Channel", c.id)
	if c.handler == nil {
		c.handler = NewMux()
	}
	c.out = &lineWriter{
		log:           c.log.Named("writer"),
		w:             out,
		warnThreshold: c.warnThreshold,
	}
	return c
}

func (c *Channel) ID() string { return c.id }

// Done is closed once the channel is torn down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Pending returns the number of requests awaiting a resolve.
func (c *Channel) Pending() int { return c.pending.len() }

// Stdout returns a writer that sends everything written to it as stdout frames.
func (c *Channel) Stdout() io.Writer {
	return &consoleWriter{ch: c}
}

func (c *Channel) nextSeq() uint64 {
	return c.seq.Add(1) - 1
}

// Serve reads and dispatches frames until the input ends, ctx is done, or an undecodable frame arrives.
// It returns nil when the input ends cleanly or the channel is closed, and the decode or read error otherwise.
// In every case the channel is closed when Serve returns, after in-flight handlers finish.
// Serve does not wait for a Read that closing the input cannot interrupt, such as one on a blocking stdin.
func (c *Channel) Serve(ctx context.Context) error {
	defer c.wg.Wait()

	chunks := make(chan readResult)
	go c.readLoop(chunks)

	for {
		select {
		case <-ctx.Done():
			c.log.Debugf("serve context done: %s", ctx.Err())
			c.shutdown()
			return nil
		case <-c.done:
			return nil
		case r := <-chunks:
			if len(r.chunk) > 0 {
				if err := c.frames.Feed(r.chunk, c.dispatch); err != nil {
					c.shutdown()
					return err
				}
			}
			if r.err == nil {
				continue
			}
			if c.closed() {
				return nil
			}
			c.shutdown()
			if errors.Is(r.err, io.EOF) {
				if n := c.frames.Buffered(); n > 0 {
					c.log.Debugf("input ended with %d bytes of unterminated frame", n)
				}
				return nil
			}
			return fmt.Errorf("reading frames: %w", r.err)
		}
	}
}

type readResult struct {
	chunk []byte
	err   error
}

// readLoop hands every chunk read from the input to Serve until the input fails or the channel is closed.
func (c *Channel) readLoop(chunks chan<- readResult) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.in.Read(buf)
		r := readResult{err: err}
		if n > 0 {
			r.chunk = append([]byte(nil), buf[:n]...)
		}
		select {
		case chunks <- r:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close tears down the channel, rejecting every pending request with ErrChannelClosed.
func (c *Channel) Close() error {
	c.shutdown()
	return nil
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		n := c.pending.closeAll(ErrChannelClosed)
		if n > 0 {
			c.log.Debugf("rejected %d pending requests", n)
		}
		if closer, ok := c.in.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.log.Debugf("error closing input: %s", err)
			}
		}
		close(c.done)
	})
}

// Go issues a request and returns without waiting for its resolve.
// A nil or empty payload is sent as the wire.NoValue sentinel, strings verbatim, anything else as JSON.
// Extra fields are appended after index, seq and value.
func (c *Channel) Go(method string, target wire.Target, payload any, extra ...wire.Field) (*Call, error) {
	if c.closed() {
		return nil, ErrChannelClosed
	}

	seq := c.nextSeq()
	call := newCall(method, seq, target)
	if err := c.pending.add(call); err != nil {
		return nil, err
	}

	line, err := c.encodeRequest(method, seq, target, payload, extra)
	if err != nil {
		c.pending.take(seq)
		c.log.Warnw("cannot encode request", "Method", method, "Seq", seq, "Error", err)
		return nil, err
	}

	if err := c.out.writeLine(line); err != nil {
		c.pending.take(seq)
		return nil, fmt.Errorf("writing %s request: %w", method, err)
	}
	c.log.Debugw("sent request", "Method", method, "Seq", seq)
	return call, nil
}

func (c *Channel) encodeRequest(method string, seq uint64, target wire.Target, payload any, extra []wire.Field) (string, error) {
	value, err := wire.EncodeValue(payload)
	if err != nil {
		var encErr *wire.EncodingError
		if errors.As(err, &encErr) {
			encErr.Command = method
		}
		return "", err
	}
	fields := append([]wire.Field{
		{Key: wire.FieldIndex, Value: target},
		{Key: wire.FieldSeq, Value: seq},
		{Key: wire.FieldValue, Value: value},
	}, extra...)
	return wire.EncodeWithScheme(c.scheme, method, fields...)
}

// Request issues a request and waits for its resolve.
// If ctx ends first the request is forgotten locally; the other side is not told, and its resolve will be dropped.
func (c *Channel) Request(ctx context.Context, method string, target wire.Target, payload any, extra ...wire.Field) (wire.Value, error) {
	call, err := c.Go(method, target, payload, extra...)
	if err != nil {
		return nil, err
	}

	if c.requestTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	v, err := call.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
		if c.pending.fail(call.Seq, ctxErr) {
			c.log.Debugw("stopped waiting for request", "Method", method, "Seq", call.Seq, "Error", ctxErr)
			return nil, ctxErr
		}
		// a resolve or teardown took it first and is completing it
		<-call.Done
		return call.Result, call.Error
	}
	return v, err
}

// Emit pushes an event to the other side as a send frame. Events are never resolved.
func (c *Channel) Emit(event string, target wire.Target, value any) error {
	v, err := wire.NewValue(value)
	if err != nil {
		return &wire.EncodingError{Command: wire.CommandSend, Field: wire.FieldValue, Err: err}
	}
	line, err := wire.EncodeWithScheme(c.scheme, wire.CommandSend,
		wire.Field{Key: wire.FieldEvent, Value: event},
		wire.Field{Key: wire.FieldIndex, Value: target},
		wire.Field{Key: wire.FieldValue, Value: v},
	)
	if err != nil {
		return err
	}
	return c.out.writeLine(line)
}

// Exit writes the exit notification carrying code and flushes it before returning.
// It is meant to be the last frame a runtime writes before the process exits.
func (c *Channel) Exit(code int) error {
	line, err := wire.EncodeWithScheme(c.scheme, wire.CommandExit,
		wire.Field{Key: wire.FieldIndex, Value: wire.DefaultTarget},
		wire.Field{Key: wire.FieldSeq, Value: c.nextSeq()},
		wire.Field{Key: wire.FieldValue, Value: code},
	)
	if err != nil {
		return err
	}
	if err := c.out.writeLine(line); err != nil {
		return fmt.Errorf("writing exit frame: %w", err)
	}
	c.out.sync()
	return nil
}

func (c *Channel) dispatch(line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	warnLarge(c.log, "receiving large message", line, c.warnThreshold)

	f, err := wire.DecodeWith(line, c.decodeOpts)
	if err != nil {
		c.log.Errorw("unable to parse incoming message", "Error", err)
		return err
	}

	switch {
	case f.Command == wire.CommandResolve:
		c.resolve(f)
	case f.IsNotification():
		if c.notify != nil {
			c.notify(c.ctx, f)
		} else {
			c.log.Debugw("dropping notification", "Command", f.Command)
		}
	default:
		c.wg.Add(1)
		go c.serveRequest(f)
	}
	return nil
}

func (c *Channel) resolve(f *wire.Frame) {
	call, ok := c.pending.take(f.Seq)
	if !ok {
		c.log.Debugw("dropping resolve for unknown request", "Seq", f.Seq)
		return
	}

	var completed bool
	if f.Failed() {
		completed = call.complete(nil, &RemoteError{Method: call.Method, Seq: call.Seq, Value: f.Value})
	} else {
		completed = call.complete(f.Value, nil)
	}
	if !completed {
		c.log.Debugw("ignoring second completion", "Seq", f.Seq)
	}
}

func (c *Channel) serveRequest(f *wire.Frame) {
	defer c.wg.Done()

	req := &Request{
		Method: f.Command,
		Seq:    f.Seq,
		Target: f.Index,
		Value:  f.Value,
		Frame:  f,
	}

	state := wire.StateOK
	result, err := c.invoke(req)
	value, merr := json.Marshal(result)
	switch {
	case err != nil:
		c.log.Debugw("handler failed", "Method", req.Method, "Seq", req.Seq, "Error", err)
		state = wire.StateFailed
		value = errorDocument(err)
	case merr != nil:
		c.log.Debugw("cannot serialize handler result", "Method", req.Method, "Seq", req.Seq, "Error", merr)
		state = wire.StateFailed
		value = errorDocument(fmt.Errorf("serializing %s result: %w", req.Method, merr))
	}

	line, err := wire.EncodeWithScheme(c.scheme, wire.CommandResolve,
		wire.Field{Key: wire.FieldSeq, Value: req.Seq},
		wire.Field{Key: wire.FieldState, Value: state},
		wire.Field{Key: wire.FieldIndex, Value: req.Target},
		wire.Field{Key: wire.FieldValue, Value: wire.Value(value)},
	)
	if err != nil {
		c.log.Warnw("cannot encode reply", "Method", req.Method, "Seq", req.Seq, "Error", err)
		return
	}
	if c.closed() {
		c.log.Debugw("channel closed, dropping reply", "Method", req.Method, "Seq", req.Seq)
		return
	}
	if err := c.out.writeLine(line); err != nil {
		c.log.Debugw("error writing reply", "Method", req.Method, "Seq", req.Seq, "Error", err)
	}
}

// invoke runs the handler, turning both errors and panics into a HandlerError.
func (c *Channel) invoke(req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("handler panicked", "Method", req.Method, "Panic", r)
			result, err = nil, &HandlerError{Method: req.Method, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = c.handler.ServeIPC(c.ctx, req)
	if err != nil {
		var handlerErr *HandlerError
		if !errors.As(err, &handlerErr) {
			err = &HandlerError{Method: req.Method, Err: err}
		}
		return nil, err
	}
	return result, nil
}
