package session

import "fmt"

// State is the orchestrator's position in the session lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateBleConnecting
	StateBleReady
	StateBackendConnecting
	StateBackendHandshaking
	StateRelaying
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBleConnecting:
		return "ble-connecting"
	case StateBleReady:
		return "ble-ready"
	case StateBackendConnecting:
		return "backend-connecting"
	case StateBackendHandshaking:
		return "backend-handshaking"
	case StateRelaying:
		return "relaying"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// backendActive reports whether a backend episode belongs to this state.
func (s State) backendActive() bool {
	return s == StateBackendConnecting || s == StateBackendHandshaking || s == StateRelaying
}
