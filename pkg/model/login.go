// Package model contains the passive data exchanged between the bridge, the backend and callers:
// login credentials, handshake challenges, diagnostic events and commands.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Login is the credential sent as the first line on the backend socket.
type Login struct {
	ClientID string          `json:"clientId"`
	Payload  json.RawMessage `json:"payload"`
}

// NewLogin returns a Login with an empty JSON object payload.
func NewLogin(clientID string) Login {
	return Login{ClientID: clientID, Payload: json.RawMessage("{}")}
}

// Line serializes l as a single newline-terminated JSON line.
func (l Login) Line() ([]byte, error) {
	if l.Payload == nil {
		l.Payload = json.RawMessage("{}")
	}
	encoded, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("model: cannot encode login: %w", err)
	}
	return append(encoded, '\n'), nil
}

// Challenge identifies one authenticated bridge episode. Backends either reply with a plain session
// identifier, in which case Token is empty, or with a JSON object {"id": ..., "token": ...}.
type Challenge struct {
	ID    string `json:"id"`
	Token string `json:"token,omitempty"`
}

// ParseChallenge decodes the backend's handshake reply. Surrounding whitespace and a trailing
// newline are ignored.
func ParseChallenge(reply []byte) (Challenge, error) {
	trimmed := bytes.TrimSpace(reply)
	if len(trimmed) == 0 {
		return Challenge{}, fmt.Errorf("model: empty handshake reply")
	}
	if trimmed[0] == '{' {
		var c Challenge
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return Challenge{}, fmt.Errorf("model: malformed handshake reply: %w", err)
		}
		if c.ID == "" {
			return Challenge{}, fmt.Errorf("model: handshake reply without id")
		}
		return c, nil
	}
	id := strings.Trim(string(trimmed), `"`)
	if id == "" {
		return Challenge{}, fmt.Errorf("model: empty handshake reply")
	}
	return Challenge{ID: id}, nil
}

func (c Challenge) String() string {
	return c.ID
}
