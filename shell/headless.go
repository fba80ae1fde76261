package shell

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/guseggert/shellipc/channel"
	"github.com/guseggert/shellipc/wire"
	"go.uber.org/zap"
)

// Window is the state a headless shell keeps for one window index.
type Window struct {
	Visible bool
	Title   string
	URL     string
	Width   int
	Height  int
	Menu    string
	// Disabled holds the menu items turned off with menuItemEnabled.
	Disabled map[string]bool
}

// Headless is a shell without windows. It answers every shell request from a runtime by recording window state,
// which is enough to host runtimes in tests and on machines with no display.
type Headless struct {
	// Console receives the runtime's stdout frames, one line each.
	Console io.Writer
	Screen  ScreenSize

	log *zap.SugaredLogger

	mut      sync.Mutex
	windows  map[wire.Target]*Window
	external []string
	restarts int

	exitOnce     sync.Once
	exitCode     int
	exitReq      chan struct{}
	runtimeCode  int
	runtimeExit  chan struct{}
	runtimeClose sync.Once
}

func NewHeadless(log *zap.SugaredLogger) *Headless {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Headless{
		Screen:      ScreenSize{Width: 1920, Height: 1080},
		log:         log.Named("headless"),
		windows:     map[wire.Target]*Window{},
		exitReq:     make(chan struct{}),
		runtimeExit: make(chan struct{}),
	}
}

// ChannelOptions returns the options a channel needs to be served by h.
func (h *Headless) ChannelOptions() []channel.Option {
	return []channel.Option{
		channel.WithHandler(h.Mux()),
		channel.WithNotificationHandler(h.Notify),
		channel.WithOpaqueValues(),
	}
}

// Mux returns the handlers for every shell request.
func (h *Headless) Mux() *channel.Mux {
	mux := channel.NewMux()
	mux.HandleFunc("show", h.window(func(w *Window, req *channel.Request) error {
		w.Visible = true
		return nil
	}))
	mux.HandleFunc("hide", h.window(func(w *Window, req *channel.Request) error {
		w.Visible = false
		return nil
	}))
	mux.HandleFunc("navigate", h.window(func(w *Window, req *channel.Request) error {
		w.URL = text(req.Value)
		return nil
	}))
	mux.HandleFunc("title", h.window(func(w *Window, req *channel.Request) error {
		w.Title = text(req.Value)
		return nil
	}))
	mux.HandleFunc("size", h.window(func(w *Window, req *channel.Request) error {
		width, err := strconv.Atoi(req.Frame.Fields["width"])
		if err != nil {
			return fmt.Errorf("parsing width: %w", err)
		}
		height, err := strconv.Atoi(req.Frame.Fields["height"])
		if err != nil {
			return fmt.Errorf("parsing height: %w", err)
		}
		w.Width, w.Height = width, height
		return nil
	}))
	mux.HandleFunc("menuItemEnabled", h.window(func(w *Window, req *channel.Request) error {
		item := text(req.Value)
		enabled, err := strconv.ParseBool(req.Frame.Fields["enabled"])
		if err != nil {
			return fmt.Errorf("parsing enabled: %w", err)
		}
		if w.Disabled == nil {
			w.Disabled = map[string]bool{}
		}
		if enabled {
			delete(w.Disabled, item)
		} else {
			w.Disabled[item] = true
		}
		return nil
	}))
	mux.HandleFunc("external", func(ctx context.Context, req *channel.Request) (any, error) {
		h.mut.Lock()
		defer h.mut.Unlock()
		h.external = append(h.external, text(req.Value))
		return nil, nil
	})
	mux.HandleFunc("restart", func(ctx context.Context, req *channel.Request) (any, error) {
		h.mut.Lock()
		defer h.mut.Unlock()
		h.restarts++
		return nil, nil
	})
	mux.HandleFunc("heartbeat", func(ctx context.Context, req *channel.Request) (any, error) {
		return nil, nil
	})
	mux.MustHandleSchema("getScreenSize", `{"type":"object"}`, channel.HandlerFunc(func(ctx context.Context, req *channel.Request) (any, error) {
		return h.Screen, nil
	}))
	mux.MustHandleSchema("menu", `{"type":"string","minLength":1}`, h.window(func(w *Window, req *channel.Request) error {
		menu := text(req.Value)
		if err := ValidateMenu(menu); err != nil {
			return err
		}
		w.Menu = menu
		return nil
	}))
	mux.MustHandleSchema("exit", `{"type":"integer"}`, channel.HandlerFunc(func(ctx context.Context, req *channel.Request) (any, error) {
		var code int
		if err := req.Value.Unmarshal(&code); err != nil {
			return nil, err
		}
		h.exitOnce.Do(func() {
			h.log.Debugw("runtime asked to exit", "ExitCode", code)
			h.exitCode = code
			close(h.exitReq)
		})
		return nil, nil
	}))
	return mux
}

func (h *Headless) window(f func(w *Window, req *channel.Request) error) channel.HandlerFunc {
	return func(ctx context.Context, req *channel.Request) (any, error) {
		h.mut.Lock()
		defer h.mut.Unlock()
		w, ok := h.windows[req.Target]
		if !ok {
			w = &Window{}
			h.windows[req.Target] = w
		}
		h.log.Debugw("window request", "Method", req.Method, "Window", req.Target)
		return nil, f(w, req)
	}
}

// Notify handles the runtime's notifications. Use it as the channel's NotificationHandler.
func (h *Headless) Notify(ctx context.Context, f *wire.Frame) {
	switch f.Command {
	case wire.CommandStdout:
		if h.Console == nil {
			return
		}
		if _, err := fmt.Fprintln(h.Console, text(f.Value)); err != nil {
			h.log.Debugf("error writing console output: %s", err)
		}
	case wire.CommandSend:
		h.log.Debugw("runtime event", "Event", f.Event(), "Window", f.Index, "Value", f.Value.String())
	case wire.CommandExit:
		code, err := strconv.Atoi(text(f.Value))
		if err != nil {
			h.log.Debugf("bad exit code %s: %s", f.Value, err)
			code = 1
		}
		h.runtimeClose.Do(func() {
			h.runtimeCode = code
			close(h.runtimeExit)
		})
	}
}

// Window returns a copy of the state of window t.
func (h *Headless) Window(t wire.Target) Window {
	h.mut.Lock()
	defer h.mut.Unlock()
	w, ok := h.windows[t]
	if !ok {
		return Window{}
	}
	cp := *w
	cp.Disabled = make(map[string]bool, len(w.Disabled))
	for k, v := range w.Disabled {
		cp.Disabled[k] = v
	}
	return cp
}

// Opened returns the URLs the runtime asked to open externally.
func (h *Headless) Opened() []string {
	h.mut.Lock()
	defer h.mut.Unlock()
	return append([]string(nil), h.external...)
}

func (h *Headless) Restarts() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.restarts
}

// ExitRequested is closed once the runtime asks the shell to exit; ExitCode then returns the requested code.
func (h *Headless) ExitRequested() <-chan struct{} { return h.exitReq }

func (h *Headless) ExitCode() int {
	<-h.exitReq
	return h.exitCode
}

// RuntimeExited is closed once the runtime announces its own exit; RuntimeExitCode then returns its code.
func (h *Headless) RuntimeExited() <-chan struct{} { return h.runtimeExit }

func (h *Headless) RuntimeExitCode() int {
	<-h.runtimeExit
	return h.runtimeCode
}

// text returns the string a value carries, or its JSON text for any other kind.
func text(v wire.Value) string {
	if s, ok := v.Text(); ok {
		return s
	}
	return v.String()
}
