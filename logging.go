package devloop

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/lumberjack"
)

type LogConfig struct {
	File       string `yaml:"file" json:"file" toml:"file"`
	Level      string `yaml:"level" json:"level" toml:"level"`
	MaxSize    int    `yaml:"max_size" json:"max_size" toml:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" toml:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age" toml:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress" toml:"compress"`
}

func (c LogConfig) rotating(filename string) *lumberjack.Logger {
	l := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   c.Compress,
	}
	if c.MaxSize > 0 {
		l.MaxSize = c.MaxSize
	}
	if c.MaxBackups > 0 {
		l.MaxBackups = c.MaxBackups
	}
	if c.MaxAge > 0 {
		l.MaxAge = c.MaxAge
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("bad log level %q: %w", s, err)
	}
	return level, nil
}

// SetupLogging installs a text handler writing to stdout and, when a file is
// configured, to a rotating log file. The returned closer releases the file.
func SetupLogging(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, configErr("log.level", err)
	}
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("could not create log dir '%s': %w", dir, err)
		}
		fileLogger := cfg.rotating(cfg.File)
		out = io.MultiWriter(os.Stdout, fileLogger)
		closer = fileLogger
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// CheckOrCreatePIDFile refuses to start when the PID file exists, otherwise
// writes the current PID to it.
func CheckOrCreatePIDFile(pidFile string) error {
	if _, err := os.Stat(pidFile); err == nil {
		return fmt.Errorf("PID file %s already exists; another instance may be running", pidFile)
	}
	pid := os.Getpid()
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func RemovePIDFile(pidFile string) {
	_ = os.Remove(pidFile)
}
