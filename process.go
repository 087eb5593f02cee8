package devloop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	childEnvVar        = "RUN_AS_CHILD"
	defaultStopTimeout = 5 * time.Second
)

// ExecProcess runs the managed process as a child command in its own process
// group. With no command configured it re-executes the current binary in
// child mode, see Run.
type ExecProcess struct {
	cfg    ProcessConfig
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	mu       sync.Mutex
	env      []string
	cmd      *exec.Cmd
	exited   chan struct{}
	childLog io.WriteCloser
}

func NewExecProcess(cfg ProcessConfig, logger *slog.Logger) *ExecProcess {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecProcess{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "process")),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

func (p *ExecProcess) stopTimeout() time.Duration {
	if p.cfg.StopTimeout > 0 {
		return time.Duration(p.cfg.StopTimeout) * time.Second
	}
	return defaultStopTimeout
}

// Configure checks the working directory and env files and rebuilds the
// child environment. It runs before every start.
func (p *ExecProcess) Configure(ctx context.Context) error {
	if p.cfg.Dir != "" {
		info, err := os.Stat(p.cfg.Dir)
		if err != nil || !info.IsDir() {
			return configErr("process.dir", fmt.Errorf("%w: %s", ErrMissingPath, p.cfg.Dir))
		}
	}
	for _, f := range p.cfg.EnvFiles {
		if _, err := os.Stat(f); err != nil {
			return configErr("process.env_files", fmt.Errorf("%w: %s", ErrMissingPath, f))
		}
	}
	fileEnv := map[string]string{}
	if len(p.cfg.EnvFiles) > 0 {
		var err error
		if fileEnv, err = godotenv.Read(p.cfg.EnvFiles...); err != nil {
			return configErr("process.env_files", err)
		}
	}
	keys := make([]string, 0, len(fileEnv))
	for k := range fileEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+fileEnv[k])
	}
	env = append(env, p.cfg.Env...)

	p.mu.Lock()
	p.env = env
	p.mu.Unlock()
	p.logger.Debug("Process configured", slog.Int("env_files", len(p.cfg.EnvFiles)), slog.String("dir", p.cfg.Dir))
	return nil
}

func (p *ExecProcess) command() (*exec.Cmd, error) {
	if p.cfg.Command != "" {
		return exec.Command(p.cfg.Command, p.cfg.Args...), nil
	}
	binPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("unable to get executable path: %w", err)
	}
	cmd := exec.Command(binPath, os.Args[1:]...)
	cmd.Env = append(cmd.Env, childEnvVar+"=1")
	return cmd, nil
}

func (p *ExecProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}
	cmd, err := p.command()
	if err != nil {
		return err
	}
	env := p.env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...), cmd.Env...)
	cmd.Dir = p.cfg.Dir
	setProcessGroup(cmd)

	stdout, stderr := p.stdout, p.stderr
	var childLog io.WriteCloser
	if p.cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(p.cfg.LogFile), 0o755); err != nil {
			return fmt.Errorf("failed to create child log directory: %w", err)
		}
		rotating := LogConfig{}.rotating(p.cfg.LogFile)
		childLog = rotating
		stdout = io.MultiWriter(stdout, rotating)
		stderr = io.MultiWriter(stderr, rotating)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		if childLog != nil {
			_ = childLog.Close()
		}
		return err
	}
	exited := make(chan struct{})
	p.cmd = cmd
	p.exited = exited
	p.childLog = childLog
	p.logger.Info("Spawned child process", slog.Int("pid", cmd.Process.Pid), slog.String("path", cmd.Path))
	go func() {
		err := cmd.Wait()
		if err != nil {
			p.logger.Warn("Child exited", slog.Int("pid", cmd.Process.Pid), slog.String("err", err.Error()))
		} else {
			p.logger.Info("Child exited cleanly", slog.Int("pid", cmd.Process.Pid))
		}
		close(exited)
	}()
	return nil
}

// Stop terminates the process group, escalating to a kill after the stop
// timeout or when ctx is done. Stopping a stopped process is a no-op.
func (p *ExecProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	pid := p.cmd.Process.Pid
	defer func() {
		p.cmd = nil
		p.exited = nil
		if p.childLog != nil {
			_ = p.childLog.Close()
			p.childLog = nil
		}
	}()
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := terminate(p.cmd); err != nil {
		p.logger.Debug("Terminate failed", slog.Int("pid", pid), slog.String("err", err.Error()))
	}
	timer := time.NewTimer(p.stopTimeout())
	defer timer.Stop()
	select {
	case <-p.exited:
		p.logger.Info("Child terminated gracefully", slog.Int("pid", pid))
		return nil
	case <-timer.C:
		p.logger.Warn("Child did not exit in time; killing", slog.Int("pid", pid))
	case <-ctx.Done():
		p.logger.Warn("Stop cancelled; killing child", slog.Int("pid", pid))
	}
	if err := kill(p.cmd); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	<-p.exited
	return nil
}

// Running reports whether a child is alive.
func (p *ExecProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *ExecProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
