package inference

// Status is the lifecycle position of the runtime
type Status int

const (
	Uninitialized Status = iota
	Loading
	Ready
	Failed
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// MarshalText renders the status by name in JSON and YAML
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a committed lifecycle state. Reason and Err are set only for Failed.
type State struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// Ready reports whether encode/infer/decode may be used
func (s State) Ready() bool {
	return s.Status == Ready
}

func (s State) String() string {
	if s.Status == Failed {
		return "failed(" + s.Reason + ")"
	}
	return s.Status.String()
}

func failed(err error) State {
	return State{Status: Failed, Reason: err.Error(), Err: err}
}
