package devloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const teardownTimeout = 5 * time.Second

type Options struct {
	// Process overrides the exec-backed process built from the config.
	Process Process
	// Stdin feeds the console scanner. Defaults to os.Stdin.
	Stdin   io.Reader
	Logger  *slog.Logger
	Metrics *Metrics
}

// Supervisor starts the managed process and the change sources enabled by
// the config, and owns their teardown.
type Supervisor struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *Metrics
	proc    Process
	stdin   io.Reader

	coord   *Coordinator
	scanner *Scanner
	console *ConsoleScanner
	monitor *Monitor

	mu        sync.Mutex
	started   bool
	sources   []ChangeSource
	group     errgroup.Group
	cancel    context.CancelFunc
	startTime time.Time
	closeOnce sync.Once
	closeErr  error
}

// NewSupervisor validates the config. A ConfigError means nothing was
// started.
func NewSupervisor(cfg *Config, opts Options) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		metrics: opts.Metrics,
		proc:    opts.Process,
		stdin:   opts.Stdin,
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.proc == nil {
		s.proc = NewExecProcess(cfg.Process, logger)
	}
	if s.stdin == nil {
		s.stdin = os.Stdin
	}
	s.scanner = NewScanner(ScannerConfig{Logger: logger, Metrics: s.metrics, Notify: cfg.Scan.Notify})
	s.coord = NewCoordinator(CoordinatorConfig{
		Process:     s.proc,
		Scanner:     s.scanner,
		Reconfigure: s.reconfigure,
		Validate:    s.validate,
		Logger:      logger,
		Metrics:     s.metrics,
	})
	return s, nil
}

func (s *Supervisor) Coordinator() *Coordinator {
	return s.coord
}

func (s *Supervisor) Monitor() *Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor
}

// Done is closed once the managed process has been stopped for good.
func (s *Supervisor) Done() <-chan struct{} {
	return s.coord.Done()
}

// reconfigure re-reads the config file, when there is one, and rebuilds the
// watch set from its scan section.
func (s *Supervisor) reconfigure(ctx context.Context) (*WatchSet, error) {
	s.mu.Lock()
	cfg := *s.cfg
	s.mu.Unlock()
	if path := cfg.Path(); path != "" {
		fresh, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		if _, err := fresh.check(); err != nil {
			return nil, err
		}
		cfg.Scan = fresh.Scan
		cfg.Descriptor = fresh.Descriptor
		s.mu.Lock()
		s.cfg.Scan = fresh.Scan
		s.cfg.Descriptor = fresh.Descriptor
		s.mu.Unlock()
	}
	return cfg.WatchSet()
}

// validate re-checks the current config, so a descriptor or required path
// that went missing fails the restart instead of starting the process.
func (s *Supervisor) validate(context.Context) error {
	s.mu.Lock()
	cfg := *s.cfg
	s.mu.Unlock()
	_, err := cfg.check()
	return err
}

// Start configures and starts the process, then the enabled change sources.
// A monitor that cannot bind is logged and skipped.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.startTime = time.Now()

	set, err := s.cfg.WatchSet()
	if err != nil {
		return configErr("scan", err)
	}
	s.logger.Info("Supervisor: configuring process")
	if err := s.proc.Configure(ctx); err != nil {
		return err
	}
	if err := s.proc.Start(ctx); err != nil {
		return err
	}
	mode, _ := s.cfg.ReloadMode()
	s.logger.Info("Supervisor: process started", slog.String("reload", string(mode)), slog.Bool("daemon", s.cfg.Daemon))

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.cfg.MonitorEnabled() {
		monitor := NewMonitor(s.cfg.StopToken(), s.coord, s.logger, s.metrics)
		if err := monitor.Start(bg); err != nil {
			s.logger.Error("Supervisor: stop monitor disabled", slog.String("err", err.Error()))
		} else {
			s.monitor = monitor
			s.sources = append(s.sources, monitor)
		}
	}
	if s.cfg.ScanEnabled() {
		if err := s.scanner.Start(bg, set, s.cfg.ScanPeriod(), s.coord); err != nil {
			return err
		}
		s.sources = append(s.sources, s.scanner)
	}
	if s.cfg.ConsoleEnabled() {
		s.console = NewConsoleScanner(s.stdin, s.logger)
		if err := s.console.Start(bg, s.coord); err != nil {
			return err
		}
		s.sources = append(s.sources, s.console)
	}
	if s.cfg.MetricsAddr != "" {
		addr := s.cfg.MetricsAddr
		started := s.startTime
		s.group.Go(func() error {
			if err := serveMetrics(bg, addr, s.metrics, s.coord.State, started); err != nil {
				s.logger.Error("Supervisor: metrics server error", slog.String("err", err.Error()))
			}
			return nil
		})
	}
	return nil
}

// Run starts everything and, unless the config asks for daemon mode, blocks
// until the process is stopped remotely or ctx is done. In daemon mode it
// returns right after the process starts; the change sources keep running
// until Close.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		return err
	}
	if s.cfg.Daemon {
		return nil
	}
	select {
	case <-s.coord.Done():
		s.logger.Info("Supervisor: stopped by remote command")
	case <-ctx.Done():
		s.logger.Info("Supervisor: shutdown requested")
	}
	return s.Close()
}

// Close stops every change source and the process. It is idempotent.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		sources := append([]ChangeSource(nil), s.sources...)
		cancel := s.cancel
		s.mu.Unlock()

		for _, src := range sources {
			src.Stop()
		}
		if err := s.coord.RequestStop(context.Background()); err != nil && !errors.Is(err, ErrStopped) {
			s.closeErr = err
		}
		if cancel != nil {
			cancel()
		}
		deadline := time.After(teardownTimeout)
		for _, src := range sources {
			select {
			case <-src.Done():
			case <-deadline:
				s.logger.Warn("Supervisor: change source did not exit in time", slog.String("source", src.Name()))
			}
		}
		_ = s.group.Wait()
		s.logger.Info("Supervisor: stopped")
	})
	return s.closeErr
}

// Serve runs a supervisor for cfg until it is stopped remotely or the process
// receives SIGINT or SIGTERM. SIGHUP requests a restart.
func Serve(ctx context.Context, cfg *Config, opts Options) error {
	if cfg.PIDFile != "" {
		if err := CheckOrCreatePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer RemovePIDFile(cfg.PIDFile)
	}
	s, err := NewSupervisor(cfg, opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				s.logger.Info("Supervisor: SIGHUP received, restarting")
				s.coord.RequestRestart(context.WithoutCancel(ctx), ChangeEvent{Origin: OriginConsole})
			case <-ctx.Done():
				return
			case <-s.Done():
				return
			}
		}
	}()

	if err := s.Run(ctx); err != nil {
		return err
	}
	if cfg.Daemon {
		// Nothing else runs in this process; hold until told to stop.
		select {
		case <-ctx.Done():
		case <-s.Done():
		}
		return s.Close()
	}
	return nil
}

// Run is the library entry point. The parent supervises a copy of the
// current binary; in that child (RUN_AS_CHILD=1) callback runs with a context
// cancelled on SIGINT or SIGTERM.
func Run(configPath string, callback func(ctx context.Context) error) error {
	if os.Getenv(childEnvVar) == "1" {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		slog.Info("Child: starting callback")
		if err := callback(ctx); err != nil {
			slog.Error("Child: callback returned error", slog.String("err", err.Error()))
			return err
		}
		return nil
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closer, err := SetupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	cfg.Process.Command = ""
	cfg.Process.Args = nil
	logger.Info("Supervisor: starting (library mode)")
	return Serve(context.Background(), cfg, Options{Logger: logger})
}
