// Package transport connects channels to the byte streams they run over:
// the process's own stdio, a spawned child's pipes, or a WebSocket relay.
package transport

import (
	"os"

	"github.com/guseggert/shellipc/channel"
	"go.uber.org/zap"
)

type options struct {
	log      *zap.Logger
	chanOpts []channel.Option
}

type Option func(o *options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithChannelOptions sets the options of the channel the transport creates.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(o *options) {
		o.chanOpts = append(o.chanOpts, opts...)
	}
}

func newOptions(opts []Option) *options {
	o := &options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) channelOptions(extra ...channel.Option) []channel.Option {
	opts := append([]channel.Option{channel.WithLogger(o.log)}, o.chanOpts...)
	return append(opts, extra...)
}

// Stdio returns a channel over the process's stdin and stdout, the runtime's side of a spawned channel.
// Nothing else may write to stdout while it is in use; route console output through Channel.Stdout.
func Stdio(opts ...Option) *channel.Channel {
	o := newOptions(opts)
	return channel.New(os.Stdin, os.Stdout, o.channelOptions()...)
}
