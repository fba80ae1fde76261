package channel

import (
	"context"
	"sync"

	"github.com/guseggert/shellipc/wire"
)

// Call is an outstanding request. Done is closed once it completes.
type Call struct {
	Method string
	Seq    uint64
	Target wire.Target

	// Result and Error are set before Done is closed.
	Result wire.Value
	Error  error
	Done   chan struct{}

	once sync.Once
}

func newCall(method string, seq uint64, target wire.Target) *Call {
	return &Call{
		Method: method,
		Seq:    seq,
		Target: target,
		Done:   make(chan struct{}),
	}
}

// complete records the outcome and reports whether this was the first completion.
func (c *Call) complete(result wire.Value, err error) bool {
	first := false
	c.once.Do(func() {
		c.Result = result
		c.Error = err
		close(c.Done)
		first = true
	})
	return first
}

// Wait blocks until the call completes or ctx is done.
// Giving up on a call does not complete it; use Channel.Request to also forget it.
func (c *Call) Wait(ctx context.Context) (wire.Value, error) {
	select {
	case <-c.Done:
		return c.Result, c.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingTable maps sequence numbers of in-flight requests to their calls.
type pendingTable struct {
	mu     sync.Mutex
	closed error
	calls  map[uint64]*Call
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: map[uint64]*Call{}}
}

func (t *pendingTable) add(call *Call) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return t.closed
	}
	t.calls[call.Seq] = call
	return nil
}

// take removes and returns the call for seq.
func (t *pendingTable) take(seq uint64) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[seq]
	if ok {
		delete(t.calls, seq)
	}
	return call, ok
}

// fail removes the call for seq and completes it with err.
func (t *pendingTable) fail(seq uint64, err error) bool {
	call, ok := t.take(seq)
	if !ok {
		return false
	}
	return call.complete(nil, err)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// closeAll rejects every pending call with err, and every later add.
func (t *pendingTable) closeAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = map[uint64]*Call{}
	if t.closed == nil {
		t.closed = err
	}
	t.mu.Unlock()

	for _, call := range calls {
		call.complete(nil, err)
	}
	return len(calls)
}
