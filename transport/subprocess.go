package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/shellipc/channel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// Command describes the runtime process to spawn.
type Command struct {
	Path string
	Args []string
	// Env is added to the parent's environment.
	Env []string
	Dir string
}

// Result describes how a spawned runtime ended.
type Result struct {
	ExitCode int
	TimeMS   int64
	// ServeErr is the error the channel stopped with, such as a malformed frame from the child.
	ServeErr error
}

// Child is a spawned runtime whose stdin and stdout carry a channel. Its stderr goes to the logger.
type Child struct {
	Channel *channel.Channel

	log    *zap.SugaredLogger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *zapio.Writer

	closeStdinOnce sync.Once
	exited         chan struct{}
	result         *Result
	resultErr      error
}

// Spawn starts the runtime and its channel. The channel is served until the child's stdout ends.
// The child is killed when ctx is done or when it sends a frame that cannot be decoded.
func Spawn(ctx context.Context, c Command, opts ...Option) (*Child, error) {
	o := newOptions(opts)
	log := o.log.Named("spawn").Sugar().With("Command", c.Path)

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stderr := &zapio.Writer{Log: o.log.Named("child_stderr"), Level: zap.InfoLevel}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Path, err)
	}
	log.Debugw("started child", "PID", cmd.Process.Pid)

	child := &Child{
		Channel: channel.New(stdout, stdin, o.channelOptions()...),
		log:     log,
		cmd:     cmd,
		stdin:   stdin,
		stderr:  stderr,
		exited:  make(chan struct{}),
	}

	go child.run(ctx, start)

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			child.Kill()
		case <-child.exited:
		}
	}()

	return child, nil
}

func (c *Child) run(ctx context.Context, start time.Time) {
	defer close(c.exited)

	serveErr := c.Channel.Serve(ctx)
	if serveErr != nil {
		c.log.Debugw("channel failed, killing child", "Error", serveErr)
		c.Kill()
	}

	err := c.cmd.Wait()
	timeMS := time.Since(start).Milliseconds()
	if cerr := c.stderr.Close(); cerr != nil {
		c.log.Debugf("error flushing child stderr: %s", cerr)
	}
	c.CloseStdin()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			c.resultErr = err
			exitCode = -1
		}
	}
	c.log.Debugw("child exited", "ExitCode", exitCode, "TimeMS", timeMS)
	c.result = &Result{ExitCode: exitCode, TimeMS: timeMS, ServeErr: serveErr}
}

// Wait blocks until the child has exited and its channel is closed.
func (c *Child) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.exited:
		return c.result, c.resultErr
	}
}

// CloseStdin ends the child's input, which a runtime treats as the end of the channel.
func (c *Child) CloseStdin() {
	c.closeStdinOnce.Do(func() {
		if err := c.stdin.Close(); err != nil {
			c.log.Debugf("error closing child stdin: %s", err)
		}
	})
}

func (c *Child) Kill() {
	if c.cmd.Process == nil {
		return
	}
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.log.Debugf("error killing child: %s", err)
	}
}
