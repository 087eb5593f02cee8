package devloop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type ReloadMode string

const (
	ReloadAutomatic ReloadMode = "automatic"
	ReloadManual    ReloadMode = "manual"
)

const (
	envStopKey  = "DEVLOOP_STOP_KEY"
	envStopPort = "DEVLOOP_STOP_PORT"
)

type Config struct {
	Reload       string        `yaml:"reload" json:"reload" toml:"reload"`
	ScanInterval int           `yaml:"scan_interval" json:"scan_interval" toml:"scan_interval"`
	Scan         ScanConfig    `yaml:"scan" json:"scan" toml:"scan"`
	Descriptor   string        `yaml:"descriptor" json:"descriptor" toml:"descriptor"`
	StopPort     int           `yaml:"stop_port" json:"stop_port" toml:"stop_port"`
	StopKey      string        `yaml:"stop_key" json:"stop_key" toml:"stop_key"`
	Daemon       bool          `yaml:"daemon" json:"daemon" toml:"daemon"`
	Process      ProcessConfig `yaml:"process" json:"process" toml:"process"`
	Log          LogConfig     `yaml:"log" json:"log" toml:"log"`
	MetricsAddr  string        `yaml:"metrics_addr" json:"metrics_addr" toml:"metrics_addr"`
	PIDFile      string        `yaml:"pid_file" json:"pid_file" toml:"pid_file"`

	path string
}

type ScanConfig struct {
	Targets  []string        `yaml:"targets" json:"targets" toml:"targets"`
	Patterns []PatternConfig `yaml:"patterns" json:"patterns" toml:"patterns"`
	Excludes []string        `yaml:"excludes" json:"excludes" toml:"excludes"`
	Notify   bool            `yaml:"notify" json:"notify" toml:"notify"`
}

// PatternConfig selects files under Dir. An empty Includes list includes
// everything not excluded.
type PatternConfig struct {
	Dir      string   `yaml:"dir" json:"dir" toml:"dir"`
	Includes []string `yaml:"includes" json:"includes" toml:"includes"`
	Excludes []string `yaml:"excludes" json:"excludes" toml:"excludes"`
}

type ProcessConfig struct {
	Command     string   `yaml:"command" json:"command" toml:"command"`
	Args        []string `yaml:"args" json:"args" toml:"args"`
	Dir         string   `yaml:"dir" json:"dir" toml:"dir"`
	Env         []string `yaml:"env" json:"env" toml:"env"`
	EnvFiles    []string `yaml:"env_files" json:"env_files" toml:"env_files"`
	StopTimeout int      `yaml:"stop_timeout" json:"stop_timeout" toml:"stop_timeout"`
	LogFile     string   `yaml:"log_file" json:"log_file" toml:"log_file"`
}

// LoadConfig reads a yaml, json or toml config from the given path. Relative
// paths in the scan section and the descriptor resolve against the config
// file's directory.
func LoadConfig(configPath string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")) // Remove UTF-8 BOM if present
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, configErr(configPath, ErrUnsupportedConf)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}
	cfg.path = abs
	cfg.resolvePaths(filepath.Dir(abs))
	if cfg.Descriptor == "" {
		cfg.Descriptor = abs
	}
	cfg.applyEnv()
	return &cfg, nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i, t := range c.Scan.Targets {
		c.Scan.Targets[i] = resolve(t)
	}
	for i := range c.Scan.Patterns {
		c.Scan.Patterns[i].Dir = resolve(c.Scan.Patterns[i].Dir)
	}
	c.Descriptor = resolve(c.Descriptor)
}

func (c *Config) applyEnv() {
	if val := os.Getenv(envStopKey); val != "" {
		c.StopKey = val
	}
	if val := os.Getenv(envStopPort); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.StopPort = port
		} else {
			slog.Warn("Ignoring invalid stop port from environment", slog.String("var", envStopPort), slog.String("val", val))
		}
	}
}

// ReloadMode returns the normalized reload mode. An empty value means
// automatic.
func (c *Config) ReloadMode() (ReloadMode, error) {
	switch mode := ReloadMode(strings.ToLower(strings.TrimSpace(c.Reload))); mode {
	case "", ReloadAutomatic:
		return ReloadAutomatic, nil
	case ReloadManual:
		return ReloadManual, nil
	default:
		return "", configErr("reload", fmt.Errorf("%w: %q", ErrInvalidReload, c.Reload))
	}
}

func (c *Config) Validate() error {
	mode, err := c.check()
	if err != nil {
		return err
	}
	if c.ScanInterval > 0 && mode == ReloadManual {
		slog.Warn("scan_interval is set but will be IGNORED due to manual reloading", slog.Int("scan_interval", c.ScanInterval))
	}
	return nil
}

// check is Validate without the startup warnings. It runs again before every
// restart.
func (c *Config) check() (ReloadMode, error) {
	mode, err := c.ReloadMode()
	if err != nil {
		return "", err
	}
	if c.StopPort < 0 || c.StopPort > 65535 {
		return "", configErr("stop_port", fmt.Errorf("%w: %d", ErrInvalidPort, c.StopPort))
	}
	if c.Descriptor != "" {
		if _, err := os.Stat(c.Descriptor); err != nil {
			return "", configErr("descriptor", fmt.Errorf("%w: %s", ErrMissingPath, c.Descriptor))
		}
	}
	return mode, nil
}

func (c *Config) ScanEnabled() bool {
	mode, _ := c.ReloadMode()
	return c.ScanInterval > 0 && mode != ReloadManual
}

func (c *Config) ConsoleEnabled() bool {
	mode, _ := c.ReloadMode()
	return mode == ReloadManual
}

// MonitorEnabled reports whether both halves of the stop token are present.
func (c *Config) MonitorEnabled() bool {
	return c.StopPort > 0 && c.StopKey != ""
}

func (c *Config) StopToken() StopToken {
	return StopToken{Port: c.StopPort, Key: c.StopKey}
}

func (c *Config) ScanPeriod() time.Duration {
	return time.Duration(c.ScanInterval) * time.Second
}

// WatchSet builds the watch set described by the scan section. The
// descriptor is always watched.
func (c *Config) WatchSet() (*WatchSet, error) {
	targets := append([]string(nil), c.Scan.Targets...)
	if c.Descriptor != "" {
		targets = append(targets, c.Descriptor)
	}
	return NewWatchSet(WatchSpec{
		Targets:    targets,
		Patterns:   c.Scan.Patterns,
		Excludes:   c.Scan.Excludes,
		Descriptor: c.Descriptor,
	})
}
