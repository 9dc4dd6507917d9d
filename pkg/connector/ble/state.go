package ble

import "fmt"

// State is the BLE link's position in the scan/connect/discover cycle.
type State int

const (
	StateIdle State = iota
	StateScanning
	StatePeripheralDiscovered
	StateServicesDiscovering
	StateCharacteristicsDiscovering
	StateReady
	StateDisconnected
)

var stateNames = [...]string{
	StateIdle:                       "idle",
	StateScanning:                   "scanning",
	StatePeripheralDiscovered:       "peripheral-discovered",
	StateServicesDiscovering:        "services-discovering",
	StateCharacteristicsDiscovering: "characteristics-discovering",
	StateReady:                      "ready",
	StateDisconnected:               "disconnected",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
