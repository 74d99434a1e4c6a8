package beacon

import (
	"errors"
	"fmt"
	"time"
)

var ErrIllegalTransition = errors.New("illegal state transition")

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateOffline
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateOffline:
		return "offline"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

var connectionTransitions = map[ConnectionState][]ConnectionState{
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateDisconnected},
	StateDisconnected: {StateConnecting, StateOffline},
	StateOffline:      {StateConnecting},
}

// CanTransition reports whether from -> to is an edge of the connection
// state machine.
func CanTransition(from, to ConnectionState) bool {
	for _, next := range connectionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to ConnectionState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// BackoffDelay returns min(base * 2^attempt, max).
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= max || delay > max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
