package goble

import (
	"github.com/autostars/obd-bridge/internal/log"
	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newDevice(id string) (goble.Device, error) {
	if id != "" {
		log.Warning("Darwin does not support specifying a Bluetooth adapter ID")
		return nil, ErrAdapterInvalidID
	}
	return darwin.NewDevice()
}
