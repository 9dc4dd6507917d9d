// Package ble connects to a BLE OBD adapter and exposes it as a byte pipe: notifications from the
// adapter's notify characteristic are delivered as data, writes go to its write characteristic.
//
// The platform BLE stack is abstracted by Adapter; see the goble and tinygo subpackages.
package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/connector"
	"github.com/autostars/obd-bridge/pkg/protocol"
)

// DefaultServiceUUID is the GATT service advertised by supported OBD adapters.
const DefaultServiceUUID = "18F0"

const (
	defaultMTU        = 23
	maxBLEMessageSize = 512
	attHeaderLength   = 3

	defaultRescanInterval = time.Second
	defaultConnectTimeout = 10 * time.Second
)

// Config selects which peripherals the Link connects to.
type Config struct {
	// Services is the allow-list of advertised service UUIDs. Defaults to DefaultServiceUUID.
	Services []string
	// RescanInterval is the pause before scanning again after a failed connection attempt.
	RescanInterval time.Duration
	// ConnectTimeout bounds dialing plus service and characteristic discovery.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Services) == 0 {
		c.Services = []string{DefaultServiceUUID}
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = defaultRescanInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	return c
}

// Callbacks receive the Link's notifications. They run on the Link's internal goroutine and should
// not block. Nil callbacks are skipped.
type Callbacks struct {
	// OnConnected fires once per connection, when both characteristics are available.
	OnConnected func()
	// OnData fires once per notification. Payloads are not reassembled.
	OnData connector.DataHandler
	// OnDisconnected fires when a ready peripheral drops. It does not fire after Disconnect.
	OnDisconnected func()
}

var _ connector.Connector = (*Link)(nil)

// Link drives a single adapter connection through scanning, discovery and data transfer.
type Link struct {
	adapter   Adapter
	config    Config
	callbacks Callbacks

	lock        sync.Mutex
	state       State
	generation  uint64
	cancel      context.CancelFunc
	peripheral  Peripheral
	writer      Characteristic
	blockLength int

	// writeLock keeps the chunks of one Write contiguous.
	writeLock sync.Mutex
}

func NewLink(adapter Adapter, config Config, callbacks Callbacks) *Link {
	return &Link{
		adapter:   adapter,
		config:    config.withDefaults(),
		callbacks: callbacks,
		state:     StateIdle,
	}
}

// State returns the Link's current state.
func (l *Link) State() State {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.state
}

// Connect starts scanning for an adapter. Any current connection is dropped first, and callbacks
// belonging to it are suppressed. Connect returns immediately; OnConnected reports success.
func (l *Link) Connect() {
	l.lock.Lock()
	gen := l.reset()
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.state = StateScanning
	l.lock.Unlock()

	log.Info("ble: scanning for services %v", l.config.Services)
	go l.run(ctx, gen)
}

// Disconnect drops the current connection and stops scanning. OnDisconnected is not called.
func (l *Link) Disconnect() {
	l.lock.Lock()
	l.reset()
	if l.state != StateIdle {
		l.state = StateDisconnected
	}
	l.lock.Unlock()
}

// reset invalidates the current generation and releases its resources. Must hold l.lock.
func (l *Link) reset() uint64 {
	l.generation++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.peripheral != nil {
		closePeripheral(l.peripheral)
		l.peripheral = nil
	}
	l.writer = nil
	return l.generation
}

// Write sends p to the adapter's write characteristic without waiting for acknowledgements. Payloads
// larger than the negotiated MTU are split into consecutive blocks.
func (l *Link) Write(p []byte) error {
	l.lock.Lock()
	if l.state != StateReady || l.writer == nil {
		l.lock.Unlock()
		return protocol.ErrNotReady
	}
	writer := l.writer
	blockLength := l.blockLength
	l.lock.Unlock()

	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	log.Debug("ble: TX %02x", p)
	for len(p) > 0 {
		n := min(blockLength, len(p))
		if err := writer.WriteWithoutResponse(p[:n]); err != nil {
			return protocol.TransportError(fmt.Errorf("ble: write failed: %w", err), false)
		}
		p = p[n:]
	}
	return nil
}

func (l *Link) current(gen uint64) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.generation == gen
}

// transition moves to state if gen is still current.
func (l *Link) transition(gen uint64, state State) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.generation != gen {
		return false
	}
	log.Debug("ble: %s -> %s", l.state, state)
	l.state = state
	return true
}

func (l *Link) run(ctx context.Context, gen uint64) {
	for {
		adv, err := l.scan(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warning("ble: scan failed: %s", err)
		} else if done, err := l.connect(ctx, gen, adv); done || ctx.Err() != nil {
			return
		} else {
			log.Warning("ble: connecting to %s failed: %s", adv.Address, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.config.RescanInterval):
		}
		if !l.transition(gen, StateScanning) {
			return
		}
	}
}

// scan blocks until the first advertisement offering an allow-listed service is seen.
func (l *Link) scan(ctx context.Context) (Advertisement, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan Advertisement, 1)
	handler := func(adv Advertisement) {
		if !l.allowed(adv) {
			return
		}
		select {
		case found <- adv:
			cancel()
		default:
			// A match was already reported.
		}
	}

	err := l.adapter.Scan(scanCtx, l.config.Services, handler)
	select {
	case adv := <-found:
		log.Info("ble: discovered %s (%s, rssi %d)", adv.Address, adv.LocalName, adv.RSSI)
		return adv, nil
	default:
	}
	if err == nil {
		err = scanCtx.Err()
	}
	return Advertisement{}, err
}

func (l *Link) allowed(adv Advertisement) bool {
	for _, advertised := range adv.Services {
		for _, wanted := range l.config.Services {
			if SameUUID(advertised, wanted) {
				return true
			}
		}
	}
	return false
}

// connect walks one discovered peripheral to Ready and waits for it to drop. done is true when the
// run loop should exit: the peripheral was ready and then disconnected, or gen went stale.
func (l *Link) connect(ctx context.Context, gen uint64, adv Advertisement) (done bool, err error) {
	if !l.transition(gen, StatePeripheralDiscovered) {
		return true, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, l.config.ConnectTimeout)
	defer cancel()

	peripheral, err := l.adapter.Connect(dialCtx, adv)
	if err != nil {
		return false, err
	}

	l.lock.Lock()
	if l.generation != gen {
		l.lock.Unlock()
		closePeripheral(peripheral)
		return true, nil
	}
	l.peripheral = peripheral
	l.lock.Unlock()

	reader, writer, err := l.discover(dialCtx, gen, peripheral)
	if err != nil {
		l.drop(peripheral)
		return !l.current(gen), err
	}

	mtu, err := writer.MTU()
	blockLength := defaultMTU - attHeaderLength
	if err != nil {
		log.Warning("ble: failed to read MTU: %s", err)
	} else if mtu > attHeaderLength {
		blockLength = min(mtu, maxBLEMessageSize) - attHeaderLength
		log.Debug("ble: MTU size %d", mtu)
	}

	err = reader.Subscribe(func(buf []byte) {
		if !l.current(gen) {
			return
		}
		log.Debug("ble: RX %02x", buf)
		if l.callbacks.OnData != nil {
			l.callbacks.OnData(connector.Clone(buf))
		}
	})
	if err != nil {
		l.drop(peripheral)
		return !l.current(gen), fmt.Errorf("ble: failed to subscribe to %s: %w", reader.UUID(), err)
	}

	l.lock.Lock()
	if l.generation != gen {
		l.lock.Unlock()
		return true, nil
	}
	l.writer = writer
	l.blockLength = blockLength
	l.state = StateReady
	l.lock.Unlock()

	log.Info("ble: connected to %s", adv.Address)
	if l.callbacks.OnConnected != nil {
		l.callbacks.OnConnected()
	}

	select {
	case <-ctx.Done():
		return true, nil
	case <-peripheral.Disconnected():
	}

	l.lock.Lock()
	if l.generation != gen {
		l.lock.Unlock()
		return true, nil
	}
	l.state = StateDisconnected
	l.peripheral = nil
	l.writer = nil
	l.lock.Unlock()

	log.Warning("ble: %s disconnected", adv.Address)
	closePeripheral(peripheral)
	if l.callbacks.OnDisconnected != nil {
		l.callbacks.OnDisconnected()
	}
	return true, nil
}

// discover finds the notify and write characteristics on the peripheral's first service.
func (l *Link) discover(ctx context.Context, gen uint64, peripheral Peripheral) (reader, writer Characteristic, err error) {
	if !l.transition(gen, StateServicesDiscovering) {
		return nil, nil, context.Canceled
	}
	services, err := peripheral.Services(ctx, l.config.Services)
	if err != nil {
		return nil, nil, fmt.Errorf("ble: failed to enumerate services: %w", err)
	}
	if len(services) == 0 {
		return nil, nil, fmt.Errorf("ble: peripheral offers none of %v", l.config.Services)
	}

	if !l.transition(gen, StateCharacteristicsDiscovering) {
		return nil, nil, context.Canceled
	}
	service := services[0]
	characteristics, err := service.Characteristics(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ble: failed to discover characteristics of %s: %w", service.UUID(), err)
	}

	for _, c := range characteristics {
		caps := c.Capabilities()
		log.Debug("ble: characteristic %s (%s)", c.UUID(), caps)
		if reader == nil && caps.Notifiable {
			reader = c
		}
		if writer == nil && caps.Writable {
			writer = c
		}
	}
	if reader == nil || writer == nil {
		log.Error("ble: service %s lacks a notify or write characteristic", service.UUID())
		return nil, nil, fmt.Errorf("ble: required characteristics missing on %s", service.UUID())
	}
	return reader, writer, nil
}

// drop closes peripheral unless reset already did.
func (l *Link) drop(peripheral Peripheral) {
	l.lock.Lock()
	owned := l.peripheral == peripheral
	if owned {
		l.peripheral = nil
	}
	l.lock.Unlock()
	if owned {
		closePeripheral(peripheral)
	}
}

func closePeripheral(p Peripheral) {
	if err := p.Close(); err != nil {
		log.Warning("ble: failed to close peripheral: %s", err)
	}
}
