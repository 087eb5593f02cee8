package devloop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

const consoleBufferSize = 256

// ConsoleScanner restarts on every line typed on the console. Input typed
// while a restart is running is discarded once it completes.
//
// The blocking read runs on its own goroutine which may outlive Stop; it holds
// nothing that keeps the process alive.
type ConsoleScanner struct {
	in     io.Reader
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func NewConsoleScanner(in io.Reader, logger *slog.Logger) *ConsoleScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleScanner{
		in:     in,
		logger: logger.With(slog.String("component", "console")),
		done:   make(chan struct{}),
	}
}

func (c *ConsoleScanner) Name() string {
	return "console"
}

func (c *ConsoleScanner) Start(ctx context.Context, r Restarter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.exited = make(chan struct{})

	input := make(chan consoleInput, 64)
	go c.read(input)
	go c.loop(context.WithoutCancel(ctx), ctx.Done(), input, r)
	c.logger.Info("Console reloading is ENABLED. Hit ENTER on the console to restart.")
	return nil
}

func (c *ConsoleScanner) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *ConsoleScanner) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return closedChan
	}
	return c.exited
}

type consoleInput struct {
	data []byte
	err  error
}

func (c *ConsoleScanner) read(input chan<- consoleInput) {
	buf := make([]byte, consoleBufferSize)
	for {
		n, err := c.in.Read(buf)
		if n > 0 {
			select {
			case input <- consoleInput{data: append([]byte(nil), buf[:n]...)}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case input <- consoleInput{err: err}:
			case <-c.done:
			}
			return
		}
	}
}

func (c *ConsoleScanner) loop(ctx context.Context, cancel <-chan struct{}, input <-chan consoleInput, r Restarter) {
	defer close(c.exited)
	for {
		var in consoleInput
		select {
		case <-c.done:
			return
		case <-cancel:
			return
		case in = <-input:
		}
		if in.err != nil {
			c.readFailed(in.err)
			return
		}
		if bytes.IndexByte(in.data, '\n') < 0 {
			continue
		}
		r.RequestRestart(ctx, ChangeEvent{Origin: OriginConsole})
		if err := c.drain(input); err != nil {
			c.readFailed(err)
			return
		}
	}
}

func (c *ConsoleScanner) readFailed(err error) {
	if errors.Is(err, io.EOF) {
		c.logger.Info("Console input closed; console reloading disabled")
		return
	}
	c.logger.Warn("Error when checking console input", slog.String("err", err.Error()))
}

// drain discards input that accumulated while the restart was running.
func (c *ConsoleScanner) drain(input <-chan consoleInput) error {
	discarded := 0
	for {
		select {
		case in := <-input:
			if in.err != nil {
				return in.err
			}
			discarded += len(in.data)
		default:
			if discarded > 0 {
				c.logger.Debug("Discarded console input typed during restart", slog.Int("bytes", discarded))
			}
			return nil
		}
	}
}
