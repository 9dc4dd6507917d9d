package tinygo

import (
	"context"
	"sync"

	"github.com/autostars/obd-bridge/pkg/connector/ble"
	"tinygo.org/x/bluetooth"
)

type peripheral struct {
	adapter *adapter
	address string
	device  bluetooth.Device

	once         sync.Once
	disconnected chan struct{}
}

func (p *peripheral) Services(_ context.Context, uuids []string) ([]ble.Service, error) {
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		filter = nil
	}
	discovered, err := p.device.DiscoverServices(filter)
	if err != nil {
		return nil, err
	}

	services := make([]ble.Service, 0, len(discovered))
	for _, s := range discovered {
		services = append(services, &service{roles: p.adapter.roles, service: s})
	}
	return services, nil
}

func (p *peripheral) Disconnected() <-chan struct{} {
	return p.disconnected
}

func (p *peripheral) markDisconnected() {
	p.once.Do(func() { close(p.disconnected) })
}

func (p *peripheral) Close() error {
	p.adapter.forget(p)
	err := p.device.Disconnect()
	p.markDisconnected()
	return err
}

type service struct {
	roles   Roles
	service bluetooth.DeviceService
}

func (s *service) UUID() string {
	return s.service.UUID().String()
}

func (s *service) Characteristics(_ context.Context) ([]ble.Characteristic, error) {
	discovered, err := s.service.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, err
	}

	characteristics := make([]ble.Characteristic, 0, len(discovered))
	for _, c := range discovered {
		uuid := c.UUID().String()
		characteristics = append(characteristics, &characteristic{
			char: c,
			caps: s.roles.capabilities(uuid),
		})
	}
	return characteristics, nil
}

type characteristic struct {
	char bluetooth.DeviceCharacteristic
	caps ble.Capabilities
}

func (c *characteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *characteristic) Capabilities() ble.Capabilities {
	return c.caps
}

func (c *characteristic) Subscribe(callback func(buf []byte)) error {
	return c.char.EnableNotifications(callback)
}

func (c *characteristic) WriteWithoutResponse(p []byte) error {
	_, err := deviceCharacteristicWrite(c.char, p)
	return err
}

func (c *characteristic) MTU() (int, error) {
	mtu, err := c.char.GetMTU()
	return int(mtu), err
}
