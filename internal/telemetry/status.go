package telemetry

// Status is the connection state of a Socket.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusClosed
	StatusError
)

var statusNames = [...]string{
	StatusIdle:       "idle",
	StatusConnecting: "connecting",
	StatusOpen:       "open",
	StatusClosed:     "closed",
	StatusError:      "error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the legal successor states. Connect and Disconnect are
// allowed from anywhere; Open and Error can only follow an attempt.
var transitions = map[Status][]Status{
	StatusIdle:       {StatusIdle, StatusConnecting, StatusClosed},
	StatusConnecting: {StatusIdle, StatusConnecting, StatusOpen, StatusError, StatusClosed},
	StatusOpen:       {StatusIdle, StatusConnecting, StatusError, StatusClosed},
	StatusError:      {StatusIdle, StatusConnecting, StatusClosed},
	StatusClosed:     {StatusIdle, StatusConnecting, StatusClosed},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, st := range transitions[s] {
		if st == next {
			return true
		}
	}
	return false
}
