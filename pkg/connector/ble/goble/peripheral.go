package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/connector/ble"
	goble "github.com/go-ble/ble"
)

type peripheral struct {
	client goble.Client
}

func (p *peripheral) Services(_ context.Context, uuids []string) ([]ble.Service, error) {
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		filter = nil
	}
	discovered, err := p.client.DiscoverServices(filter)
	if err != nil {
		return nil, err
	}

	services := make([]ble.Service, 0, len(discovered))
	for _, s := range discovered {
		services = append(services, &service{client: p.client, service: s})
	}
	return services, nil
}

func (p *peripheral) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

func (p *peripheral) Close() error {
	err1 := p.client.ClearSubscriptions()
	err2 := p.client.CancelConnection()
	return errors.Join(err1, err2)
}

type service struct {
	client  goble.Client
	service *goble.Service
}

func (s *service) UUID() string {
	return s.service.UUID.String()
}

func (s *service) Characteristics(_ context.Context) ([]ble.Characteristic, error) {
	discovered, err := s.client.DiscoverCharacteristics(nil, s.service)
	if err != nil {
		return nil, err
	}

	characteristics := make([]ble.Characteristic, 0, len(discovered))
	for _, c := range discovered {
		// Descriptors carry the CCCD that Subscribe writes to.
		if _, err := s.client.DiscoverDescriptors(nil, c); err != nil {
			return nil, fmt.Errorf("couldn't fetch descriptors of %s: %w", c.UUID, err)
		}
		characteristics = append(characteristics, &characteristic{client: s.client, char: c})
	}
	return characteristics, nil
}

type characteristic struct {
	client goble.Client
	char   *goble.Characteristic
}

func (c *characteristic) UUID() string {
	return c.char.UUID.String()
}

func (c *characteristic) Capabilities() ble.Capabilities {
	props := c.char.Property
	return ble.Capabilities{
		Readable:   props&goble.CharRead != 0,
		Writable:   props&(goble.CharWrite|goble.CharWriteNR) != 0,
		Notifiable: props&(goble.CharNotify|goble.CharIndicate) != 0,
	}
}

func (c *characteristic) Subscribe(callback func(buf []byte)) error {
	// Prefer notifications; fall back to indications for adapters that only offer those.
	indicate := c.char.Property&goble.CharNotify == 0
	return c.client.Subscribe(c.char, indicate, callback)
}

func (c *characteristic) WriteWithoutResponse(p []byte) error {
	return c.client.WriteCharacteristic(c.char, p, c.char.Property&goble.CharWriteNR != 0)
}

func (c *characteristic) MTU() (int, error) {
	mtu, err := c.client.ExchangeMTU(goble.MaxMTU)
	if err != nil {
		log.Debug("ble: MTU exchange failed: %s", err)
		return goble.DefaultMTU, err
	}
	return mtu, nil
}
