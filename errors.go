package devloop

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidReload   = errors.New("invalid reload mode, must be 'automatic' or 'manual'")
	ErrMissingPath     = errors.New("required path does not exist")
	ErrInvalidPort     = errors.New("invalid stop port")
	ErrMissingKey      = errors.New("missing stop key")
	ErrUnsupportedConf = errors.New("unsupported config format")
	ErrStopped         = errors.New("supervisor already stopped")
	ErrAlreadyStarted  = errors.New("already started")
	ErrNotRunning      = errors.New("supervisor not running")
	ErrNoWatchSet      = errors.New("no watch set to scan")
)

// ConfigError is a startup-time configuration failure. Nothing is started
// once one is returned.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErr(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// Phase names the step of a restart cycle that failed.
type Phase string

const (
	PhaseStop        Phase = "stop"
	PhaseReconfigure Phase = "reconfigure"
	PhaseConfigure   Phase = "configure"
	PhaseStart       Phase = "start"
)

// RestartError reports a failed restart cycle.
type RestartError struct {
	Phase  Phase
	Origin Origin
	Err    error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("restart (%s) failed during %s: %v", e.Origin, e.Phase, e.Err)
}

func (e *RestartError) Unwrap() error {
	return e.Err
}
