// Package shell is the runtime's view of the native shell: named window operations issued as requests over a channel.
package shell

import (
	"context"
	"fmt"

	"github.com/guseggert/shellipc/wire"
	"go.uber.org/zap"
)

// Requester is the part of a channel.Channel the shell API needs.
type Requester interface {
	Request(ctx context.Context, method string, target wire.Target, payload any, extra ...wire.Field) (wire.Value, error)
	Emit(event string, target wire.Target, value any) error
}

type Client struct {
	ch  Requester
	log *zap.SugaredLogger
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Sugar()
	}
}

func NewClient(ch Requester, opts ...Option) *Client {
	c := &Client{
		ch:  ch,
		log: zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("shell")
	return c
}

func (c *Client) request(ctx context.Context, method string, window wire.Target, payload any, extra ...wire.Field) (wire.Value, error) {
	c.log.Debugw("shell request", "Method", method, "Window", window)
	v, err := c.ch.Request(ctx, method, window, payload, extra...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return v, nil
}

func (c *Client) Show(ctx context.Context, window wire.Target) error {
	_, err := c.request(ctx, "show", window, nil)
	return err
}

func (c *Client) Hide(ctx context.Context, window wire.Target) error {
	_, err := c.request(ctx, "hide", window, nil)
	return err
}

// Navigate points the window at url.
func (c *Client) Navigate(ctx context.Context, window wire.Target, url string) error {
	_, err := c.request(ctx, "navigate", window, url)
	return err
}

func (c *Client) SetTitle(ctx context.Context, window wire.Target, title string) error {
	_, err := c.request(ctx, "title", window, title)
	return err
}

func (c *Client) SetSize(ctx context.Context, window wire.Target, width, height int) error {
	_, err := c.request(ctx, "size", window, nil,
		wire.Field{Key: "width", Value: width},
		wire.Field{Key: "height", Value: height},
	)
	return err
}

type ScreenSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (c *Client) GetScreenSize(ctx context.Context) (ScreenSize, error) {
	var size ScreenSize
	v, err := c.request(ctx, "getScreenSize", wire.DefaultTarget, struct{}{})
	if err != nil {
		return size, err
	}
	if err := v.Unmarshal(&size); err != nil {
		return size, fmt.Errorf("decoding screen size %s: %w", wire.Excerpt(v.String()), err)
	}
	return size, nil
}

// Exit asks the shell to exit with code. This is a request, unlike the exit notification a runtime sends when it terminates.
func (c *Client) Exit(ctx context.Context, code int) error {
	_, err := c.request(ctx, "exit", wire.DefaultTarget, code)
	return err
}

// SetMenu validates menu with ValidateMenu and only then sends it.
func (c *Client) SetMenu(ctx context.Context, window wire.Target, menu string) error {
	if err := ValidateMenu(menu); err != nil {
		return err
	}
	_, err := c.request(ctx, "menu", window, menu)
	return err
}

func (c *Client) SetMenuItemEnabled(ctx context.Context, window wire.Target, item string, enabled bool) error {
	_, err := c.request(ctx, "menuItemEnabled", window, item, wire.Field{Key: "enabled", Value: enabled})
	return err
}

// OpenExternal opens url outside the shell, usually in the default browser.
func (c *Client) OpenExternal(ctx context.Context, url string) error {
	_, err := c.request(ctx, "external", wire.DefaultTarget, url)
	return err
}

// Send pushes an event to a window. Events are never answered.
func (c *Client) Send(window wire.Target, event string, value any) error {
	if err := c.ch.Emit(event, window, value); err != nil {
		return fmt.Errorf("sending %s event: %w", event, err)
	}
	return nil
}

func (c *Client) Restart(ctx context.Context) error {
	_, err := c.request(ctx, "restart", wire.DefaultTarget, nil)
	return err
}

func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.request(ctx, "heartbeat", wire.DefaultTarget, nil)
	return err
}
