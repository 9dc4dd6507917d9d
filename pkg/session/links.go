package session

import (
	"github.com/autostars/obd-bridge/pkg/backend"
	"github.com/autostars/obd-bridge/pkg/connector"
	"github.com/autostars/obd-bridge/pkg/connector/ble"
	"github.com/autostars/obd-bridge/pkg/connector/inet"
	"github.com/autostars/obd-bridge/pkg/model"
)

// BleLink is the adapter side of a session. *ble.Link satisfies it.
type BleLink interface {
	connector.Connector
	Connect()
}

// BackendLink is the cloud side of a session. *backend.Link satisfies it.
type BackendLink interface {
	connector.Connector
	Connect(login model.Login) error
	Close()

	ListenOnEventStream(challenge model.Challenge, handler inet.EventHandler)
	GetAvailableCommands(sessionID string, done backend.CommandsHandler)
	ExecuteCommand(command model.Command)
	SendCurrentLocation(position model.PositionCommand)
}

// LinkFactory builds the two links, wiring their callbacks to the orchestrator.
type LinkFactory interface {
	NewBleLink(callbacks ble.Callbacks) (BleLink, error)
	NewBackendLink(callbacks backend.Callbacks) (BackendLink, error)
}

// Links builds the production links from an adapter and configuration.
type Links struct {
	Adapter ble.Adapter
	Ble     ble.Config
	Backend backend.Config
}

func (l Links) NewBleLink(callbacks ble.Callbacks) (BleLink, error) {
	return ble.NewLink(l.Adapter, l.Ble, callbacks), nil
}

func (l Links) NewBackendLink(callbacks backend.Callbacks) (BackendLink, error) {
	return backend.New(l.Backend, callbacks)
}
