package supervisor

// State is the lifecycle of the supervised server.
type State int32

const (
	NotRunning State = iota
	Starting
	Ready
	Crashed
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Crashed:
		return "crashed"
	case ShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}
