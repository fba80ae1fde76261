package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/guseggert/shellipc/channel"
	"github.com/guseggert/shellipc/wire"
	"go.uber.org/zap"
)

// TestHarnessAPI marks inbound values addressed to the runtime itself rather than to application handlers.
const TestHarnessAPI = "ssc-node"

const defaultExitDelay = 50 * time.Millisecond

// TestHarness answers the calls a frontend test runner makes into the runtime, and passes everything else to Next.
//
// testConsole prints its arguments to Console. A first argument starting with "# ok" or "# fail " is a TAP summary,
// and unless AutoClose is off the harness asks the shell to exit with 0 or 1 shortly after.
// testUncaught reports an uncaught frontend error to Fatal.
type TestHarness struct {
	Next    channel.Handler
	Shell   *Client
	Console io.Writer

	AutoClose bool
	ExitDelay time.Duration
	Fatal     func(err error)

	Log *zap.SugaredLogger
}

type harnessCall struct {
	API       string            `json:"api"`
	Method    string            `json:"method"`
	Arguments []json.RawMessage `json:"arguments"`
}

func (h *TestHarness) ServeIPC(ctx context.Context, req *channel.Request) (any, error) {
	var call harnessCall
	if req.Value.Kind() != wire.Object {
		return h.next(ctx, req)
	}
	if err := req.Value.Unmarshal(&call); err != nil || call.API != TestHarnessAPI {
		return h.next(ctx, req)
	}

	switch call.Method {
	case "testConsole":
		return h.testConsole(call)
	case "testUncaught":
		return nil, h.testUncaught(call)
	}
	h.log().Debugw("ignoring harness call", "Method", call.Method)
	return nil, nil
}

func (h *TestHarness) next(ctx context.Context, req *channel.Request) (any, error) {
	if h.Next == nil {
		return nil, &channel.ErrNotImplemented{Method: req.Method}
	}
	return h.Next.ServeIPC(ctx, req)
}

func (h *TestHarness) log() *zap.SugaredLogger {
	if h.Log == nil {
		return zap.NewNop().Sugar()
	}
	return h.Log
}

func (h *TestHarness) testConsole(call harnessCall) (any, error) {
	var opts struct {
		Args string `json:"args"`
	}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments[0], &opts); err != nil {
			return nil, fmt.Errorf("decoding testConsole options: %w", err)
		}
	}
	var args []any
	if opts.Args != "" {
		if err := json.Unmarshal([]byte(opts.Args), &args); err != nil {
			return nil, fmt.Errorf("decoding testConsole args: %w", err)
		}
	}

	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			parts[i] = s
			continue
		}
		b, _ := json.Marshal(a)
		parts[i] = string(b)
	}
	if h.Console != nil {
		if _, err := fmt.Fprintln(h.Console, strings.Join(parts, " ")); err != nil {
			h.log().Debugf("error writing test console output: %s", err)
		}
	}

	empty := struct{}{}
	if len(args) == 0 {
		return empty, nil
	}
	first, ok := args[0].(string)
	if !ok {
		return empty, nil
	}
	code := -1
	switch {
	case strings.HasPrefix(first, "# ok"):
		code = 0
	case strings.HasPrefix(first, "# fail "):
		code = 1
	}
	if code != -1 && h.AutoClose {
		h.scheduleExit(code)
	}
	return empty, nil
}

func (h *TestHarness) scheduleExit(code int) {
	delay := h.ExitDelay
	if delay == 0 {
		delay = defaultExitDelay
	}
	h.log().Debugw("tests finished, scheduling exit", "ExitCode", code, "Delay", delay)
	time.AfterFunc(delay, func() {
		if h.Shell == nil {
			return
		}
		if err := h.Shell.Exit(context.Background(), code); err != nil {
			h.log().Debugf("error requesting exit: %s", err)
		}
	})
}

func (h *TestHarness) testUncaught(call harnessCall) error {
	var opts struct {
		Err struct {
			Message string `json:"message"`
		} `json:"err"`
	}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments[0], &opts); err != nil {
			return fmt.Errorf("decoding testUncaught options: %w", err)
		}
	}
	err := fmt.Errorf("frontend test uncaught: %s", opts.Err.Message)
	h.log().Errorw("uncaught error in frontend test", "Error", err)
	if h.Fatal != nil {
		go h.Fatal(err)
	}
	return nil
}
