package tinygo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autostars/obd-bridge/pkg/connector/ble"
)

func TestRolesCapabilities(t *testing.T) {
	roles := Roles{Notify: "fff1", Write: "0000fff2-0000-1000-8000-00805f9b34fb"}
	assert.True(t, roles.configured())
	assert.Equal(t, ble.Capabilities{Notifiable: true}, roles.capabilities("0000fff1-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, ble.Capabilities{Writable: true}, roles.capabilities("FFF2"))
	assert.Equal(t, ble.Capabilities{}, roles.capabilities("fff3"))

	notifyOnly := Roles{Notify: "fff1"}
	assert.True(t, notifyOnly.configured())
	assert.Equal(t, ble.Capabilities{}, notifyOnly.capabilities("fff2"))
}

func TestRolesUnconfigured(t *testing.T) {
	var roles Roles
	assert.False(t, roles.configured())
	assert.Equal(t, ble.Capabilities{Notifiable: true, Writable: true}, roles.capabilities("fff3"))
}
