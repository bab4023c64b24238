package sync

import "fmt"

type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateBootstrapping
	StateSteady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateBootstrapping:
		return "bootstrapping"
	case StateSteady:
		return "steady"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
