package runloop

// State is a position in the foreground loop's life cycle.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateExitedClean
	StateExitedFastOrError
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateExitedClean:
		return "exited_clean"
	case StateExitedFastOrError:
		return "exited_fast_or_error"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}
