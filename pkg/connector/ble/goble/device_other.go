//go:build !linux && !darwin

package goble

import (
	"errors"

	goble "github.com/go-ble/ble"
)

func newDevice(_ string) (goble.Device, error) {
	return nil, errors.New("go-ble is not supported on this platform, use the tinygo backend")
}
