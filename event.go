package devloop

import "context"

// Origin identifies which change source produced an event.
type Origin int

const (
	OriginFilesystem Origin = iota + 1
	OriginConsole
	OriginRemoteCommand
)

func (o Origin) String() string {
	switch o {
	case OriginFilesystem:
		return "filesystem"
	case OriginConsole:
		return "console"
	case OriginRemoteCommand:
		return "remote"
	default:
		return "unknown"
	}
}

// ChangeEvent is what a change source hands to the coordinator. Paths is only
// populated for filesystem events.
type ChangeEvent struct {
	Origin                 Origin
	Paths                  []string
	TouchesBuildDescriptor bool
}

// RestartState is the coordinator's state. StateStopped is terminal.
type RestartState int32

const (
	StateIdle RestartState = iota
	StateRestarting
	StateStopped
)

func (s RestartState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Process is the supervised long-running service. Stop must be safe to call
// on a process that is not running.
type Process interface {
	Configure(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Restarter receives change events from change sources.
type Restarter interface {
	RequestRestart(ctx context.Context, ev ChangeEvent) bool
}

// Stopper receives the remote stop command.
type Stopper interface {
	RequestStop(ctx context.Context) error
}

// ChangeSource is a background activity that reports changes. Stop is
// idempotent and never blocks; Done is closed once the activity has exited.
type ChangeSource interface {
	Name() string
	Stop()
	Done() <-chan struct{}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
