package channel

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/guseggert/shellipc/wire"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// peer is the far end of a channel under test, speaking raw lines.
type peer struct {
	t      *testing.T
	w      *io.PipeWriter
	lines  chan string
	served chan error
}

func newTestChannel(t *testing.T, opts ...Option) (*Channel, *peer) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ch := New(inR, outW, opts...)
	p := &peer{
		t:      t,
		w:      inW,
		lines:  make(chan string, 1024),
		served: make(chan error, 1),
	}

	go func() {
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		close(p.lines)
	}()
	go func() {
		p.served <- ch.Serve(context.Background())
	}()

	t.Cleanup(func() {
		ch.Close()
		inW.Close()
		outR.Close()
	})
	return ch, p
}

func (p *peer) send(line string) {
	p.t.Helper()
	_, err := io.WriteString(p.w, line+"\n")
	require.NoError(p.t, err)
}

func (p *peer) next() string {
	p.t.Helper()
	select {
	case line, ok := <-p.lines:
		require.True(p.t, ok, "channel output closed")
		return line
	case <-time.After(testTimeout):
		p.t.Fatal("timed out waiting for a frame")
		return ""
	}
}

func (p *peer) nextFrame() *wire.Frame {
	p.t.Helper()
	f, err := wire.Decode(p.next())
	require.NoError(p.t, err)
	return f
}

func (p *peer) serveErr() error {
	p.t.Helper()
	select {
	case err := <-p.served:
		return err
	case <-time.After(testTimeout):
		p.t.Fatal("timed out waiting for Serve to return")
		return nil
	}
}

func waitCall(t *testing.T, call *Call) (wire.Value, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	v, err := call.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return v, err
}

func isDone(call *Call) bool {
	select {
	case <-call.Done:
		return true
	default:
		return false
	}
}
