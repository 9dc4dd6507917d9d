package session

import (
	"github.com/autostars/obd-bridge/pkg/model"
	"github.com/autostars/obd-bridge/pkg/protocol"
)

// Session is a handle to one authenticated episode. It is handed to Handler.OnConnected and stops
// working once the episode ends; a later episode gets a new handle.
type Session struct {
	orchestrator *Orchestrator
	challenge    model.Challenge
}

// ID returns the backend-issued session identifier.
func (s *Session) ID() string {
	return s.challenge.ID
}

func (s *Session) Challenge() model.Challenge {
	return s.challenge
}

// Active reports whether the episode is still running.
func (s *Session) Active() bool {
	return s.orchestrator.current.Load() == s
}

// Execute asks the backend to run the named command. The request runs in the background; its
// outcome is only logged.
func (s *Session) Execute(name string) error {
	if !s.Active() {
		return protocol.ErrSessionClosed
	}
	command := model.Command{SessionID: s.challenge.ID, Name: name}
	if err := command.Validate(); err != nil {
		return err
	}
	s.orchestrator.backend.ExecuteCommand(command)
	return nil
}

// SendLocation reports the caller's position for this session.
func (s *Session) SendLocation(longitude, latitude float64) error {
	if !s.Active() {
		return protocol.ErrSessionClosed
	}
	position := model.PositionCommand{SessionID: s.challenge.ID, Longitude: longitude, Latitude: latitude}
	if err := position.Validate(); err != nil {
		return err
	}
	s.orchestrator.backend.SendCurrentLocation(position)
	return nil
}

// RefreshCommands asks the backend for the session's commands again. The result arrives through
// Handler.OnAvailableCommands.
func (s *Session) RefreshCommands() error {
	if !s.Active() {
		return protocol.ErrSessionClosed
	}
	s.orchestrator.fetchCommands(s)
	return nil
}
