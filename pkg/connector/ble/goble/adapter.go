// Package goble implements ble.Adapter on top of github.com/go-ble/ble (Linux HCI sockets and macOS
// CoreBluetooth).
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/connector/ble"
	"github.com/autostars/obd-bridge/pkg/protocol"
	goble "github.com/go-ble/ble"
)

var ErrAdapterInvalidID = protocol.NewError(protocol.KindSequence, "the bluetooth adapter ID is invalid", false, false)

// NewAdapter opens the host controller identified by id. An empty id selects the default controller.
func NewAdapter(id string) (ble.Adapter, error) {
	device, err := newDevice(id)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to open device: %w", err)
	}
	return &adapter{device: device}, nil
}

type adapter struct {
	mu     sync.Mutex
	device goble.Device
}

func (a *adapter) current() (goble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device == nil {
		return nil, errors.New("ble: adapter closed")
	}
	return a.device, nil
}

func (a *adapter) Scan(ctx context.Context, services []string, found func(ble.Advertisement)) error {
	device, err := a.current()
	if err != nil {
		return err
	}
	filter, err := parseUUIDs(services)
	if err != nil {
		return err
	}

	handler := func(adv goble.Advertisement) {
		if len(filter) > 0 && !advertises(adv, filter) {
			return
		}
		found(toAdvertisement(adv))
	}

	// device.Scan only returns once ctx is done, and on macOS it always reports the cancellation.
	err = device.Scan(ctx, false, handler)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (a *adapter) Connect(ctx context.Context, adv ble.Advertisement) (ble.Peripheral, error) {
	device, err := a.current()
	if err != nil {
		return nil, err
	}
	addr, ok := adv.Native.(goble.Addr)
	if !ok {
		addr = goble.NewAddr(adv.Address)
	}

	log.Debug("ble: dialing %s (%s)...", adv.Address, adv.LocalName)
	client, err := device.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to dial %s: %w", adv.Address, err)
	}
	return &peripheral{client: client}, nil
}

func (a *adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device == nil {
		return nil
	}
	device := a.device
	a.device = nil
	return device.Stop()
}

func parseUUIDs(uuids []string) ([]goble.UUID, error) {
	parsed := make([]goble.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := goble.Parse(ble.NormalizeUUID(s))
		if err != nil {
			return nil, fmt.Errorf("ble: invalid UUID '%s': %w", s, err)
		}
		parsed = append(parsed, u)
	}
	return parsed, nil
}

func advertises(adv goble.Advertisement, filter []goble.UUID) bool {
	for _, u := range adv.Services() {
		if goble.Contains(filter, u) {
			return true
		}
	}
	return false
}

func toAdvertisement(a goble.Advertisement) ble.Advertisement {
	services := make([]string, 0, len(a.Services()))
	for _, u := range a.Services() {
		services = append(services, u.String())
	}
	return ble.Advertisement{
		Address:     a.Addr().String(),
		LocalName:   a.LocalName(),
		Services:    services,
		RSSI:        int16(a.RSSI()),
		Connectable: a.Connectable(),
		Native:      a.Addr(),
	}
}
