package model

import (
	"errors"
	"fmt"
	"math"
)

// Command asks the backend to run a named diagnostic command against the session's adapter.
type Command struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

// Validate checks that the Command can be submitted.
func (c Command) Validate() error {
	if c.SessionID == "" {
		return errors.New("model: command without session id")
	}
	if c.Name == "" {
		return errors.New("model: command without name")
	}
	return nil
}

// PositionCommand reports the caller's current location for a session.
type PositionCommand struct {
	SessionID string  `json:"sessionId"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Validate checks the session id and that both coordinates are within range.
func (p PositionCommand) Validate() error {
	if p.SessionID == "" {
		return errors.New("model: position without session id")
	}
	for _, v := range []float64{p.Longitude, p.Latitude} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("model: coordinate %f is not a finite number", v)
		}
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("model: longitude %f out of range [-180, 180]", p.Longitude)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("model: latitude %f out of range [-90, 90]", p.Latitude)
	}
	return nil
}

// AvailableCommands is the backend-advertised set of commands supported by the connected adapter.
type AvailableCommands struct {
	Commands []string `json:"commands"`
}

// Contains reports whether name is one of the advertised commands.
func (a AvailableCommands) Contains(name string) bool {
	for _, c := range a.Commands {
		if c == name {
			return true
		}
	}
	return false
}
