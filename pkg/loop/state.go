package loop

// State is the lifecycle state of a loop.
type State int

const (
	// StateInit is the state before Run is called.
	StateInit State = iota
	// StateRunning covers routine initialization and the TOD iteration.
	StateRunning
	// StateFinalize is entered once iteration stops, for any reason.
	StateFinalize
	// StateDone means every phase completed.
	StateDone
	// StateFailed means a fatal error stopped the run.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateFinalize:
		return "finalize"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Phase is a routine lifecycle phase. PhaseMerge only occurs in parallel mode.
type Phase string

const (
	PhaseInitialize Phase = "initialize"
	PhaseExecute    Phase = "execute"
	PhaseFinalize   Phase = "finalize"
	PhaseMerge      Phase = "merge"
)

func (p Phase) String() string {
	return string(p)
}
