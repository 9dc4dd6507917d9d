package goble

import (
	"fmt"
	"strconv"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

const bleTimeout = 20 * time.Second

var scanParams = cmd.LESetScanParameters{
	LEScanType:           1,    // Active scanning
	LEScanInterval:       0x10, // 10ms
	LEScanWindow:         0x10, // 10ms
	OwnAddressType:       0,    // Static
	ScanningFilterPolicy: 0,    // Accept all advertisements
}

// newDevice opens hciN, where id is "N" or "hciN".
func newDevice(id string) (goble.Device, error) {
	opts := []goble.Option{
		goble.OptListenerTimeout(bleTimeout),
		goble.OptDialerTimeout(bleTimeout),
		goble.OptScanParams(scanParams),
	}
	if id != "" {
		n, err := strconv.Atoi(trimHCI(id))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrAdapterInvalidID, id)
		}
		opts = append(opts, goble.OptDeviceID(n))
	}
	return linux.NewDevice(opts...)
}

func trimHCI(id string) string {
	if len(id) > 3 && id[:3] == "hci" {
		return id[3:]
	}
	return id
}
