package device

import "fmt"

// state is the session's tagged variant: Disconnected, or Connected in one of
// the three modes. The zero value is Disconnected/Idle.
type state struct {
	conn ConnState
	mode Mode
}

type transitionKind int

const (
	evConnected transitionKind = iota
	evDisconnected
	evModeAcked
	evResetAcked
)

type transition struct {
	kind transitionKind
	mode Mode
}

// apply returns the next state, or an error when the transition is not valid
// from s. A failed apply leaves the caller's state untouched.
func (s state) apply(t transition) (state, error) {
	switch t.kind {
	case evConnected:
		if s.conn == Connected {
			return s, nil
		}
		return state{conn: Connected, mode: ModeIdle}, nil
	case evDisconnected:
		return state{conn: Disconnected, mode: ModeIdle}, nil
	case evModeAcked:
		if s.conn != Connected {
			return s, fmt.Errorf("mode change to %s: %w", t.mode, ErrNotConnected)
		}
		if _, ok := modeNames[t.mode]; !ok {
			return s, fmt.Errorf("mode change: unknown mode %d: %w", int(t.mode), ErrInvalidState)
		}
		return state{conn: Connected, mode: t.mode}, nil
	case evResetAcked:
		if s.conn != Connected {
			return s, fmt.Errorf("reset: %w", ErrNotConnected)
		}
		return state{conn: Connected, mode: ModeIdle}, nil
	default:
		return s, fmt.Errorf("unknown transition %d: %w", int(t.kind), ErrInvalidState)
	}
}

func (s state) connected() bool {
	return s.conn == Connected
}
