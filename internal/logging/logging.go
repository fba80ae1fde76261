// Package logging builds the process logger. Logs never go to stdout, which carries frames.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/guseggert/shellipc/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type options struct {
	stderr  io.Writer
	console io.Writer
}

type Option func(o *options)

// WithStderr replaces os.Stderr as the primary log destination.
func WithStderr(w io.Writer) Option {
	return func(o *options) {
		o.stderr = w
	}
}

// WithConsole also writes every entry to w, typically a channel's Stdout, so the other side sees the runtime's logs.
func WithConsole(w io.Writer) Option {
	return func(o *options) {
		o.console = w
	}
}

// New builds a logger from cfg.
func New(cfg config.LogConfig, opts ...Option) (*zap.Logger, error) {
	o := &options{stderr: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	var enc zapcore.Encoder
	switch cfg.Format {
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "console", "":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(o.stderr)), level),
	}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator),
			level,
		))
	}
	if o.console != nil {
		consoleEnc := zap.NewDevelopmentEncoderConfig()
		consoleEnc.TimeKey = ""
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleEnc),
			zapcore.AddSync(o.console),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

// Sink is a writer whose destination is set after the logger is built.
// A channel's Stdout cannot exist before the channel, and the channel wants the logger first.
// Writes before Set are dropped.
type Sink struct {
	mut sync.Mutex
	w   io.Writer
}

func (s *Sink) Set(w io.Writer) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.w = w
}

func (s *Sink) Write(b []byte) (int, error) {
	s.mut.Lock()
	w := s.w
	s.mut.Unlock()
	if w == nil {
		return len(b), nil
	}
	return w.Write(b)
}
