package devloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WatchSetter accepts a replacement watch set.
type WatchSetter interface {
	SetWatchSet(set *WatchSet)
}

type CoordinatorConfig struct {
	Process Process
	// Scanner receives the rebuilt watch set on reconfiguring restarts. May be nil.
	Scanner WatchSetter
	// Reconfigure rebuilds the watch set from the current configuration.
	Reconfigure func(ctx context.Context) (*WatchSet, error)
	// Validate re-checks the configuration on every restart, before the
	// process is configured. May be nil.
	Validate func(ctx context.Context) error

	Logger  *slog.Logger
	Metrics *Metrics
}

// Coordinator serializes restart requests from every change source into at
// most one in-flight restart of the process. Requests arriving while a
// restart runs are dropped, not queued; sources regenerate them on their next
// poll if the change persists.
type Coordinator struct {
	proc        Process
	scanner     WatchSetter
	reconfigure func(ctx context.Context) (*WatchSet, error)
	validate    func(ctx context.Context) error
	logger      *slog.Logger
	metrics     *Metrics

	mu       sync.Mutex
	state    RestartState
	inflight chan struct{} // closed when the running cycle ends
	stopped  chan struct{} // closed once the process has been stopped for good
	stopOnce sync.Once
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		proc:        cfg.Process,
		scanner:     cfg.Scanner,
		reconfigure: cfg.Reconfigure,
		validate:    cfg.Validate,
		logger:      logger.With(slog.String("component", "coordinator")),
		metrics:     cfg.Metrics,
		stopped:     make(chan struct{}),
	}
}

func (c *Coordinator) State() RestartState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the coordinator has reached the stopped state and the
// process has been stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// RequestRestart runs a restart cycle if the coordinator is idle. It reports
// whether a cycle ran and succeeded.
func (c *Coordinator) RequestRestart(ctx context.Context, ev ChangeEvent) bool {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		c.logger.Debug("Ignoring restart request; stopped", slog.String("origin", ev.Origin.String()))
		return false
	case StateRestarting:
		c.mu.Unlock()
		c.metrics.restartDropped(ev.Origin)
		c.logger.Info("Restart already in progress; dropping request", slog.String("origin", ev.Origin.String()))
		return false
	}
	c.state = StateRestarting
	done := make(chan struct{})
	c.inflight = done
	c.mu.Unlock()

	started := time.Now()
	err := c.restart(ctx, ev)

	forced := false
	c.mu.Lock()
	if c.state == StateRestarting {
		if err != nil && ev.Origin == OriginRemoteCommand {
			c.state = StateStopped
			forced = true
		} else {
			c.state = StateIdle
		}
	}
	final := c.state
	c.inflight = nil
	close(done)
	c.mu.Unlock()
	if forced {
		c.finish()
	}

	c.metrics.restartFinished(ev.Origin, time.Since(started), err)
	if err != nil {
		attrs := []any{slog.String("origin", ev.Origin.String()), slog.String("state", final.String()), slog.String("err", err.Error())}
		if len(ev.Paths) > 0 {
			attrs = append(attrs, slog.Any("paths", ev.Paths))
		}
		c.logger.Error("Restart failed", attrs...)
		return false
	}
	c.logger.Info("Restart completed", slog.String("origin", ev.Origin.String()), slog.Duration("took", time.Since(started)))
	return true
}

func (c *Coordinator) restart(ctx context.Context, ev ChangeEvent) (err error) {
	phase := PhaseStop
	defer func() {
		if r := recover(); r != nil {
			err = &RestartError{Phase: phase, Origin: ev.Origin, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	fail := func(e error) error {
		return &RestartError{Phase: phase, Origin: ev.Origin, Err: e}
	}

	c.logger.Info("Restarting", slog.String("origin", ev.Origin.String()), slog.Bool("reconfigure", ev.TouchesBuildDescriptor))
	c.logger.Debug("Stopping process")
	if err := c.proc.Stop(ctx); err != nil {
		return fail(err)
	}
	if ev.TouchesBuildDescriptor && c.reconfigure != nil {
		phase = PhaseReconfigure
		c.logger.Info("Reconfiguring scanner")
		set, err := c.reconfigure(ctx)
		if err != nil {
			return fail(err)
		}
		if c.scanner != nil {
			c.scanner.SetWatchSet(set)
		}
	}
	phase = PhaseConfigure
	if c.validate != nil {
		if err := c.validate(ctx); err != nil {
			return fail(err)
		}
	}
	c.logger.Debug("Reconfiguring process")
	if err := c.proc.Configure(ctx); err != nil {
		return fail(err)
	}
	if c.State() == StateStopped {
		c.logger.Info("Stop requested during restart; not starting process")
		return nil
	}
	phase = PhaseStart
	c.logger.Debug("Starting process")
	if err := c.proc.Start(ctx); err != nil {
		return fail(err)
	}
	return nil
}

// RequestStop moves to the terminal stopped state and stops the process
// exactly once. A restart in flight is allowed to finish first; it will not
// start the process again.
func (c *Coordinator) RequestStop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.state = StateStopped
	wait := c.inflight
	c.mu.Unlock()

	if wait != nil {
		c.logger.Info("Waiting for in-flight restart before stopping")
		<-wait
	}
	c.logger.Info("Stopping process")
	err := c.proc.Stop(ctx)
	if err != nil {
		c.logger.Error("Error when stopping process", slog.String("err", err.Error()))
	}
	c.finish()
	return err
}

func (c *Coordinator) finish() {
	c.stopOnce.Do(func() {
		close(c.stopped)
	})
}
