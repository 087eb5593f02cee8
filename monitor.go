package devloop

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	StopCommand = "stop"

	monitorReadTimeout = 10 * time.Second
	maxCommandBytes    = 4096
)

// StopToken is the port and shared key of the remote stop channel.
type StopToken struct {
	Port int
	Key  string
}

func (t StopToken) Validate() error {
	if t.Port <= 0 || t.Port > 65535 {
		return configErr("stop_port", fmt.Errorf("%w: %d", ErrInvalidPort, t.Port))
	}
	if t.Key == "" {
		return configErr("stop_key", ErrMissingKey)
	}
	return nil
}

// Monitor listens on a loopback port for the stop command. Connections are
// handled one at a time. A single accepted stop ends the monitor.
type Monitor struct {
	token   StopToken
	stopper Stopper
	logger  *slog.Logger
	metrics *Metrics
	limiter *rate.Limiter

	mu       sync.Mutex
	ln       net.Listener
	closed   bool
	exited   chan struct{}
	stopOnce sync.Once
}

func NewMonitor(token StopToken, stopper Stopper, logger *slog.Logger, metrics *Metrics) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		token:   token,
		stopper: stopper,
		logger:  logger.With(slog.String("component", "monitor")),
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (m *Monitor) Name() string {
	return "monitor"
}

// Start binds the loopback port and begins accepting. An incomplete token is
// a configuration error; a bind failure is returned as is.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.token.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil || m.closed {
		return ErrAlreadyStarted
	}
	ln, err := listenLoopback(m.token.Port)
	if err != nil {
		return fmt.Errorf("monitor listen on port %d: %w", m.token.Port, err)
	}
	m.ln = ln
	m.exited = make(chan struct{})
	m.logger.Info("Listening for stop command", slog.String("addr", ln.Addr().String()))
	go m.serve(context.WithoutCancel(ctx), ln)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (m *Monitor) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Stop closes the listening socket, which unblocks the accept loop. It is
// idempotent and does not wait; use Done for that.
func (m *Monitor) Stop() {
	m.stopOnce.Do(m.closeListener)
}

func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exited == nil {
		return closedChan
	}
	return m.exited
}

func (m *Monitor) closeListener() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.ln != nil {
		if err := m.ln.Close(); err != nil {
			m.logger.Debug("Exception when closing listener", slog.String("err", err.Error()))
		}
	}
}

func (m *Monitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Monitor) serve(ctx context.Context, ln net.Listener) {
	defer close(m.exited)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Error("Exception during monitoring", slog.String("err", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if m.handle(ctx, conn) {
			return
		}
	}
}

// handle processes one connection and reports whether the stop command was
// accepted.
func (m *Monitor) handle(ctx context.Context, conn net.Conn) bool {
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = conn.SetReadDeadline(time.Now().Add(monitorReadTimeout))
	r := bufio.NewReader(io.LimitReader(conn, maxCommandBytes))

	key, err := readLine(r)
	if err != nil {
		m.reject("read", slog.String("err", err.Error()))
		return false
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(m.token.Key)) != 1 {
		m.reject("key")
		return false
	}
	cmd, err := readLine(r)
	if err != nil {
		m.reject("read", slog.String("err", err.Error()))
		return false
	}
	if cmd != StopCommand {
		m.reject("command", slog.String("cmd", cmd))
		return false
	}

	_ = conn.Close()
	m.Stop()
	m.logger.Info("Stopping due to received command", slog.String("cmd", cmd))
	if err := m.stopper.RequestStop(ctx); err != nil && !errors.Is(err, ErrStopped) {
		m.logger.Error("Exception when stopping", slog.String("err", err.Error()))
	}
	return true
}

// reject logs a refused connection. The received key is never logged.
func (m *Monitor) reject(reason string, attrs ...any) {
	m.metrics.monitorRejected(reason)
	if !m.limiter.Allow() {
		return
	}
	switch reason {
	case "command":
		m.logger.Info("Unsupported monitor operation", attrs...)
	case "key":
		m.logger.Info("Rejected stop request with bad key", attrs...)
	default:
		m.logger.Info("Dropped monitor connection", attrs...)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
