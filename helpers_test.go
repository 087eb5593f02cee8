package devloop

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func waitClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting: %s", msg)
	}
}

// fakeProcess records lifecycle calls and flags any two calls that overlap.
type fakeProcess struct {
	mu           sync.Mutex
	calls        []string
	configureErr error
	startErr     error
	stopErr      error
	stopHook     func(n int)
	configHook   func()

	active     atomic.Int32
	overlapped atomic.Bool
}

func (p *fakeProcess) enter(call string) (int, func()) {
	if p.active.Add(1) > 1 {
		p.overlapped.Store(true)
	}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	n := 0
	for _, c := range p.calls {
		if c == call {
			n++
		}
	}
	p.mu.Unlock()
	return n, func() { p.active.Add(-1) }
}

func (p *fakeProcess) Configure(ctx context.Context) error {
	_, leave := p.enter("configure")
	defer leave()
	p.mu.Lock()
	hook, err := p.configHook, p.configureErr
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (p *fakeProcess) Start(ctx context.Context) error {
	_, leave := p.enter("start")
	defer leave()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startErr
}

func (p *fakeProcess) Stop(ctx context.Context) error {
	n, leave := p.enter("stop")
	defer leave()
	p.mu.Lock()
	hook, err := p.stopHook, p.stopErr
	p.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return err
}

func (p *fakeProcess) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProcess) count(call string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// recordingRestarter captures events. When block is set each request waits
// for it to be closed before returning.
type recordingRestarter struct {
	events chan ChangeEvent
	block  chan struct{}
}

func newRecordingRestarter() *recordingRestarter {
	return &recordingRestarter{events: make(chan ChangeEvent, 32)}
}

func (r *recordingRestarter) RequestRestart(ctx context.Context, ev ChangeEvent) bool {
	r.events <- ev
	if r.block != nil {
		<-r.block
	}
	return true
}

func (r *recordingRestarter) next(t *testing.T) ChangeEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}

func (r *recordingRestarter) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected change event: %+v", ev)
	case <-time.After(within):
	}
}

type recordingStopper struct {
	calls atomic.Int32
}

func (s *recordingStopper) RequestStop(ctx context.Context) error {
	s.calls.Add(1)
	return nil
}
