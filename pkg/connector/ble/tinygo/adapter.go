// Package tinygo implements ble.Adapter on top of tinygo.org/x/bluetooth (BlueZ over D-Bus,
// CoreBluetooth and WinRT).
//
// tinygo does not expose characteristic properties, so capabilities are derived from the UUIDs
// configured in Roles.
package tinygo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/connector/ble"
	"github.com/autostars/obd-bridge/pkg/protocol"
	"tinygo.org/x/bluetooth"
)

var ErrAdapterInvalidID = protocol.NewError(protocol.KindSequence, "the bluetooth adapter ID is invalid", false, false)

// Roles names the adapter's notify and write characteristics. A characteristic matching neither is
// reported as having no capabilities, unless both are empty, in which case every characteristic is
// assumed to support both.
type Roles struct {
	Notify string
	Write  string
}

func (r Roles) configured() bool {
	return r.Notify != "" || r.Write != ""
}

func (r Roles) capabilities(uuid string) ble.Capabilities {
	if !r.configured() {
		return ble.Capabilities{Writable: true, Notifiable: true}
	}
	return ble.Capabilities{
		Notifiable: r.Notify != "" && ble.SameUUID(uuid, r.Notify),
		Writable:   r.Write != "" && ble.SameUUID(uuid, r.Write),
	}
}

// NewAdapter enables the host controller identified by id. An empty id selects the default
// controller.
func NewAdapter(id string, roles Roles) (ble.Adapter, error) {
	if !roles.configured() {
		log.Warning("ble: no notify or write characteristic configured, using the service's first characteristic for both")
	}
	device, err := newAdapter(id)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to create device: %w", err)
	}
	if err = device.Enable(); err != nil {
		if IsAdapterError(err) {
			log.Error("%s", AdapterErrorHelpMessage(err))
		}
		return nil, fmt.Errorf("ble: failed to enable device: %w", err)
	}

	a := &adapter{
		device:      device,
		roles:       roles,
		peripherals: make(map[string]*peripheral),
	}
	device.SetConnectHandler(a.connectionChanged)
	return a, nil
}

type adapter struct {
	device *bluetooth.Adapter
	roles  Roles

	mu          sync.Mutex
	peripherals map[string]*peripheral
}

func (a *adapter) Scan(ctx context.Context, services []string, found func(ble.Advertisement)) error {
	if ctx.Err() != nil {
		return nil
	}
	filter, err := parseUUIDs(services)
	if err != nil {
		return err
	}

	scanFinished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.stopScan()
		case <-scanFinished:
		}
	}()
	defer close(scanFinished)

	return a.device.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil {
			a.stopScan()
			return
		}
		var matched []string
		for _, u := range filter {
			if result.HasServiceUUID(u) {
				matched = append(matched, u.String())
			}
		}
		if len(filter) > 0 && len(matched) == 0 {
			return
		}
		found(ble.Advertisement{
			Address:     result.Address.String(),
			LocalName:   result.LocalName(),
			Services:    matched,
			RSSI:        result.RSSI,
			Connectable: true,
			Native:      result.Address,
		})
	})
}

func (a *adapter) stopScan() {
	if err := a.device.StopScan(); err != nil && !strings.Contains(err.Error(), "no scan in progress") {
		log.Warning("ble: failed to stop scan: %s", err)
	}
}

func (a *adapter) Connect(ctx context.Context, adv ble.Advertisement) (ble.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr, ok := adv.Native.(bluetooth.Address)
	if !ok {
		var err error
		if addr, err = parseAddress(adv.Address); err != nil {
			return nil, err
		}
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	log.Debug("ble: dialing %s (%s)...", adv.Address, adv.LocalName)
	device, err := a.device.Connect(addr, params)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to dial %s: %w", adv.Address, err)
	}

	p := &peripheral{
		adapter:      a,
		address:      addr.String(),
		device:       device,
		disconnected: make(chan struct{}),
	}
	a.mu.Lock()
	a.peripherals[p.address] = p
	a.mu.Unlock()
	return p, nil
}

// connectionChanged fans the adapter-wide connect handler out to the affected peripheral.
func (a *adapter) connectionChanged(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	address := device.Address.String()
	a.mu.Lock()
	p, ok := a.peripherals[address]
	delete(a.peripherals, address)
	a.mu.Unlock()
	if ok {
		p.markDisconnected()
	}
}

func (a *adapter) forget(p *peripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peripherals[p.address] == p {
		delete(a.peripherals, p.address)
	}
}

func (a *adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peripherals = make(map[string]*peripheral)
	return nil
}

func parseUUIDs(uuids []string) ([]bluetooth.UUID, error) {
	parsed := make([]bluetooth.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := parseUUID(s)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, u)
	}
	return parsed, nil
}

func parseUUID(s string) (bluetooth.UUID, error) {
	normalized := ble.NormalizeUUID(s)
	if len(normalized) == 4 {
		var short uint16
		if _, err := fmt.Sscanf(normalized, "%04x", &short); err != nil {
			return bluetooth.UUID{}, fmt.Errorf("ble: invalid UUID '%s': %w", s, err)
		}
		return bluetooth.New16BitUUID(short), nil
	}
	u, err := bluetooth.ParseUUID(normalized)
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: invalid UUID '%s': %w", s, err)
	}
	return u, nil
}
