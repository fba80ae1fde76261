package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/guseggert/shellipc/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

func TestShowRoundTrip(t *testing.T) {
	ch, p := newTestChannel(t)

	call, err := ch.Go("show", 1, nil)
	require.NoError(t, err)

	assert.Equal(t, "ipc://show?index=1&seq=0&value=0", p.next())
	p.send("ipc://resolve?seq=0&state=0&index=1&value=null")

	v, err := waitCall(t, call)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
	assert.Equal(t, 0, ch.Pending())
}

func TestResolveOutOfOrder(t *testing.T) {
	ch, p := newTestChannel(t)

	first, err := ch.Go("hide", 0, nil)
	require.NoError(t, err)
	second, err := ch.Go("hide", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.Seq)
	assert.Equal(t, uint64(1), second.Seq)
	p.next()
	p.next()

	p.send("ipc://resolve?seq=1&state=0&value=%22second%22")
	v, err := waitCall(t, second)
	require.NoError(t, err)
	assert.Equal(t, `"second"`, v.String())
	assert.False(t, isDone(first))

	p.send("ipc://resolve?seq=0&state=0&value=%22first%22")
	v, err = waitCall(t, first)
	require.NoError(t, err)
	assert.Equal(t, `"first"`, v.String())
}

func TestResolveFailure(t *testing.T) {
	ch, p := newTestChannel(t)

	call, err := ch.Go("navigate", 2, "file:///index.html")
	require.NoError(t, err)
	assert.Equal(t, "ipc://navigate?index=2&seq=0&value=file%3A%2F%2F%2Findex.html", p.next())

	p.send("ipc://resolve?seq=0&state=1&index=2&value=%7B%22error%22%3A%7B%22message%22%3A%22no%20such%20window%22%7D%7D")
	v, err := waitCall(t, call)
	assert.Nil(t, v)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "navigate", remoteErr.Method)
	assert.Equal(t, "no such window", remoteErr.Message())
	assert.JSONEq(t, `{"error":{"message":"no such window"}}`, remoteErr.Value.String())
}

func TestUnknownResolveIsDropped(t *testing.T) {
	ch, p := newTestChannel(t)

	call, err := ch.Go("title", 0, "hello")
	require.NoError(t, err)
	p.next()

	p.send("ipc://resolve?seq=42&state=0&value=1")
	p.send("ipc://resolve?seq=42&state=1&value=1")
	assert.False(t, isDone(call))

	p.send("ipc://resolve?seq=0&state=0&value=7")
	v, err := waitCall(t, call)
	require.NoError(t, err)
	assert.Equal(t, "7", v.String())

	// a duplicate for a completed request changes nothing
	p.send("ipc://resolve?seq=0&state=1&value=8")

	next, err := ch.Go("title", 0, "again")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Seq)
	p.next()
	p.send("ipc://resolve?seq=1&state=0&value=9")
	v, err = waitCall(t, next)
	require.NoError(t, err)
	assert.Equal(t, "9", v.String())
	assert.Equal(t, "7", call.Result.String())
}

func TestRequestExtraFields(t *testing.T) {
	ch, p := newTestChannel(t)

	_, err := ch.Go("size", 1, nil, wire.Field{Key: "width", Value: 800}, wire.Field{Key: "height", Value: 600})
	require.NoError(t, err)
	assert.Equal(t, "ipc://size?index=1&seq=0&value=0&width=800&height=600", p.next())
}

func TestRequestEncodingError(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ch, _ := newTestChannel(t, WithLogger(zap.New(core)))

	_, err := ch.Go("show", 0, map[string]any{"bad": make(chan int)})
	var encErr *wire.EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "show", encErr.Command)
	assert.Equal(t, 0, ch.Pending())
	assert.Equal(t, 1, logs.FilterMessage("cannot encode request").Len())

	_, err = ch.Go("bad method", 0, nil)
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, 0, ch.Pending())

	for _, f := range []float64{math.NaN(), math.Inf(1)} {
		_, err = ch.Go("show", 0, f)
		require.ErrorAs(t, err, &encErr)
		assert.Equal(t, wire.FieldValue, encErr.Field)
		assert.Equal(t, 0, ch.Pending())
	}
	assert.Equal(t, 4, logs.FilterMessage("cannot encode request").Len())
}

func TestRequestContextCanceled(t *testing.T) {
	ch, p := newTestChannel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ch.Request(ctx, "heartbeat", 0, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, ch.Pending())
	p.next()

	// the late resolve is dropped and the channel keeps working
	p.send("ipc://resolve?seq=0&state=0&value=1")
	call, err := ch.Go("heartbeat", 0, nil)
	require.NoError(t, err)
	p.next()
	p.send("ipc://resolve?seq=1&state=0&value=2")
	v, err := waitCall(t, call)
	require.NoError(t, err)
	assert.Equal(t, "2", v.String())
}

func TestRequestTimeout(t *testing.T) {
	ch, p := newTestChannel(t, WithRequestTimeout(20*time.Millisecond))

	_, err := ch.Request(context.Background(), "restart", 0, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	p.next()
	assert.Equal(t, 0, ch.Pending())
}

func TestConcurrentRequests(t *testing.T) {
	ch, p := newTestChannel(t)

	// echo every request's value back
	go func() {
		for line := range p.lines {
			f, err := wire.Decode(line)
			if err != nil {
				return
			}
			reply, err := wire.Encode(wire.CommandResolve,
				wire.Field{Key: wire.FieldSeq, Value: f.Seq},
				wire.Field{Key: wire.FieldState, Value: wire.StateOK},
				wire.Field{Key: wire.FieldValue, Value: f.Value},
			)
			if err != nil {
				return
			}
			if _, err := io.WriteString(p.w, reply+"\n"); err != nil {
				return
			}
		}
	}()

	const n = 64
	var group errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			v, err := ch.Request(ctx, "echo", 0, map[string]int{"i": i})
			if err != nil {
				return err
			}
			var got struct{ I int }
			if err := v.Unmarshal(&got); err != nil {
				return err
			}
			if got.I != i {
				return fmt.Errorf("request %d got reply for %d", i, got.I)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, 0, ch.Pending())

	// every sequence number was handed out exactly once
	call, err := ch.Go("echo", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), call.Seq)
}

func TestLargeMessageWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ch, p := newTestChannel(t, WithLogger(zap.New(core)))

	payload := strings.Repeat("x", 600*1024)
	_, err := ch.Go("navigate", 0, payload)
	require.NoError(t, err)

	f := p.nextFrame()
	assert.Equal(t, payload, f.Fields[wire.FieldValue])

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "sending large message", entry.Message)
	fields := entry.ContextMap()
	assert.EqualValues(t, 601, fields["SizeKB"])
	assert.Len(t, fields["Preview"], previewLen+3)
}

func TestLargeResolveWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ch, p := newTestChannel(t, WithLogger(zap.New(core)))

	call, err := ch.Go("getScreenSize", 0, nil)
	require.NoError(t, err)
	p.next()

	payload := strings.Repeat("y", 600*1024)
	line := "ipc://resolve?seq=0&state=0&value=%22" + payload + "%22"
	p.send(line)

	v, err := waitCall(t, call)
	require.NoError(t, err)
	s, ok := v.Text()
	require.True(t, ok)
	assert.Equal(t, payload, s)

	received := logs.FilterMessage("receiving large message")
	require.Equal(t, 1, received.Len())
	assert.Equal(t, 1, logs.Len())
	fields := received.All()[0].ContextMap()
	assert.EqualValues(t, (len(line)+1023)/1024, fields["SizeKB"])
	assert.Equal(t, line[:previewLen]+"...", fields["Preview"])
}

func TestLargeMessagePreviewKeepsRunes(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	line := "a" + strings.Repeat("é", previewLen)
	warnLarge(zap.New(core).Sugar(), "sending large message", line, 10)

	require.Equal(t, 1, logs.Len())
	preview, ok := logs.All()[0].ContextMap()["Preview"].(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(preview), preview)
	assert.LessOrEqual(t, len(preview), previewLen+3)
	assert.True(t, strings.HasPrefix(line, strings.TrimSuffix(preview, "...")))
}

func TestInboundRequest(t *testing.T) {
	mux := NewMux()
	mux.HandleFunc("getScreenSize", func(ctx context.Context, req *Request) (any, error) {
		var opts struct{ Scale int }
		if err := req.Value.Unmarshal(&opts); err != nil {
			return nil, err
		}
		return map[string]int{"width": 1920 * opts.Scale, "height": 1080 * opts.Scale}, nil
	})
	_, p := newTestChannel(t, WithHandler(mux))

	p.send("ipc://getScreenSize?seq=5&index=2&value=%7B%22scale%22%3A2%7D")

	f := p.nextFrame()
	assert.Equal(t, wire.CommandResolve, f.Command)
	assert.Equal(t, uint64(5), f.Seq)
	assert.Equal(t, wire.Target(2), f.Index)
	assert.Equal(t, wire.StateOK, f.State)
	assert.JSONEq(t, `{"width":3840,"height":2160}`, f.Value.String())
}

func TestInboundFailures(t *testing.T) {
	mux := NewMux()
	mux.HandleFunc("fail", func(ctx context.Context, req *Request) (any, error) {
		return nil, errors.New("window is gone")
	})
	mux.HandleFunc("unserializable", func(ctx context.Context, req *Request) (any, error) {
		return map[string]any{"ch": make(chan int)}, nil
	})
	mux.HandleFunc("panic", func(ctx context.Context, req *Request) (any, error) {
		panic("oh no")
	})
	mux.HandleFunc("nothing", func(ctx context.Context, req *Request) (any, error) {
		return nil, nil
	})
	_, p := newTestChannel(t, WithHandler(mux))

	cases := []struct {
		method  string
		state   string
		message string
	}{
		{method: "fail", state: wire.StateFailed, message: "window is gone"},
		{method: "unserializable", state: wire.StateFailed, message: "serializing unserializable result"},
		{method: "panic", state: wire.StateFailed, message: "panic: oh no"},
		{method: "missing", state: wire.StateFailed, message: "not implemented: missing"},
		{method: "nothing", state: wire.StateOK},
	}
	for i, c := range cases {
		t.Run(c.method, func(t *testing.T) {
			p.send(fmt.Sprintf("ipc://%s?seq=%d&index=3", c.method, i))
			f := p.nextFrame()
			assert.Equal(t, uint64(i), f.Seq)
			assert.Equal(t, wire.Target(3), f.Index)
			assert.Equal(t, c.state, f.State)
			// the value field is always present, even for a nil result
			require.True(t, f.HasValue)
			if c.message == "" {
				assert.Equal(t, "null", f.Fields[wire.FieldValue])
				return
			}
			remoteErr := &RemoteError{Value: f.Value}
			assert.Contains(t, remoteErr.Message(), c.message)
		})
	}
}

func TestSlowHandlerDoesNotBlockReader(t *testing.T) {
	release := make(chan struct{})
	mux := NewMux()
	mux.HandleFunc("slow", func(ctx context.Context, req *Request) (any, error) {
		<-release
		return "slow", nil
	})
	mux.HandleFunc("fast", func(ctx context.Context, req *Request) (any, error) {
		return "fast", nil
	})
	ch, p := newTestChannel(t, WithHandler(mux))

	p.send("ipc://slow?seq=0")
	p.send("ipc://fast?seq=1")
	call, err := ch.Go("title", 0, "x")
	require.NoError(t, err)

	// the fast reply and our own request both get out while slow is stuck
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[p.nextFrame().Command] = true
	}
	assert.Equal(t, map[string]bool{wire.CommandResolve: true, "title": true}, seen)

	p.send("ipc://resolve?seq=0&value=1")
	_, err = waitCall(t, call)
	require.NoError(t, err)

	close(release)
	f := p.nextFrame()
	assert.Equal(t, uint64(0), f.Seq)
	assert.Equal(t, `"slow"`, f.Value.String())
}

func TestMalformedInboundIsFatal(t *testing.T) {
	var calls int
	var mut sync.Mutex
	mux := NewMux()
	mux.HandleFunc("show", func(ctx context.Context, req *Request) (any, error) {
		mut.Lock()
		defer mut.Unlock()
		calls++
		return nil, nil
	})
	core, logs := observer.New(zapcore.ErrorLevel)
	ch, p := newTestChannel(t, WithHandler(mux), WithLogger(zap.New(core)))

	pending, err := ch.Go("hide", 0, nil)
	require.NoError(t, err)
	p.next()

	p.send("ipc://show?seq=1&value{not-json")

	var malformedErr *wire.MalformedMessageError
	require.ErrorAs(t, p.serveErr(), &malformedErr)
	assert.Equal(t, 1, logs.FilterMessage("unable to parse incoming message").Len())

	_, err = waitCall(t, pending)
	require.ErrorIs(t, err, ErrChannelClosed)

	mut.Lock()
	assert.Equal(t, 0, calls)
	mut.Unlock()

	_, err = ch.Go("hide", 0, nil)
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestCloseRejectsPending(t *testing.T) {
	ch, p := newTestChannel(t)

	call, err := ch.Go("show", 0, nil)
	require.NoError(t, err)
	p.next()

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	_, err = waitCall(t, call)
	require.ErrorIs(t, err, ErrChannelClosed)
	require.NoError(t, p.serveErr())

	select {
	case <-ch.Done():
	default:
		t.Fatal("channel not done after close")
	}
}

func TestInputEOF(t *testing.T) {
	ch := New(strings.NewReader("ipc://resolve?seq=9&value=1\nipc://resol"), io.Discard)
	call, err := ch.Go("show", 0, nil)
	require.NoError(t, err)

	require.NoError(t, ch.Serve(context.Background()))
	_, err = waitCall(t, call)
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestNotifications(t *testing.T) {
	var mut sync.Mutex
	var got []*wire.Frame
	ch, p := newTestChannel(t, WithOpaqueValues(), WithNotificationHandler(func(ctx context.Context, f *wire.Frame) {
		mut.Lock()
		defer mut.Unlock()
		got = append(got, f)
	}))

	p.send("ipc://stdout?value=first%20line")
	p.send("ipc://send?event=ready&index=1&value=%7B%7D")
	p.send("ipc://exit?index=0&seq=3&value=0")
	p.send("")

	// a round trip guarantees the notifications ahead of it were handled
	call, err := ch.Go("show", 0, nil)
	require.NoError(t, err)
	p.next()
	p.send("ipc://resolve?seq=0&value=0")
	_, err = waitCall(t, call)
	require.NoError(t, err)

	mut.Lock()
	defer mut.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, wire.CommandStdout, got[0].Command)
	text, _ := got[0].Value.Text()
	assert.Equal(t, "first line", text)
	assert.Equal(t, "ready", got[1].Event())
	assert.Equal(t, wire.Target(1), got[1].Index)
	assert.Equal(t, wire.CommandExit, got[2].Command)
	assert.Equal(t, "0", got[2].Value.String())
}

func TestStdoutWriter(t *testing.T) {
	ch, p := newTestChannel(t)

	_, err := fmt.Fprintln(ch.Stdout(), "hello world: 100%")
	require.NoError(t, err)
	assert.Equal(t, "ipc://stdout?value=hello%20world%3A%20100%25", p.next())
}

func TestEmit(t *testing.T) {
	ch, p := newTestChannel(t)

	require.NoError(t, ch.Emit("ready", 2, map[string]bool{"ok": true}))
	assert.Equal(t, "ipc://send?event=ready&index=2&value=%7B%22ok%22%3Atrue%7D", p.next())

	var encErr *wire.EncodingError
	require.ErrorAs(t, ch.Emit("ready", 0, func() {}), &encErr)
}

type syncBuffer struct {
	bytes.Buffer
	syncs int
}

func (b *syncBuffer) Sync() error {
	b.syncs++
	return errors.New("sync not supported")
}

func TestExit(t *testing.T) {
	out := &syncBuffer{}
	ch := New(strings.NewReader(""), out)

	_, err := ch.Go("show", 0, nil)
	require.NoError(t, err)
	out.Reset()

	require.NoError(t, ch.Exit(3))
	assert.Equal(t, "ipc://exit?index=0&seq=1&value=3\n", out.String())
	assert.Equal(t, 1, out.syncs)
}

func TestChannelsBackToBack(t *testing.T) {
	aIn, bOut := io.Pipe()
	bIn, aOut := io.Pipe()

	mux := NewMux()
	mux.HandleFunc("add", func(ctx context.Context, req *Request) (any, error) {
		var nums []int
		if err := req.Value.Unmarshal(&nums); err != nil {
			return nil, err
		}
		sum := 0
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	})

	a := New(aIn, aOut)
	b := New(bIn, bOut, WithHandler(mux))
	t.Cleanup(func() {
		a.Close()
		b.Close()
		aOut.Close()
		bOut.Close()
	})
	go a.Serve(context.Background())
	go b.Serve(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	v, err := a.Request(ctx, "add", 0, []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "6", v.String())

	_, err = a.Request(ctx, "add", 0, map[string]int{})
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message(), "cannot unmarshal")

	_, err = a.Request(ctx, "subtract", 0, []int{1})
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "not implemented: subtract", remoteErr.Message())
}
