package pipeline

// State is the session lifecycle. Matched, Failed and Cancelled are
// terminal.
type State int

const (
	StateIdle State = iota
	StateAwaitingPermission
	StateRunning
	StateMatched
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateIdle:               "idle",
	StateAwaitingPermission: "awaiting_permission",
	StateRunning:            "running",
	StateMatched:            "matched",
	StateFailed:             "failed",
	StateCancelled:          "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateMatched || s == StateFailed || s == StateCancelled
}
