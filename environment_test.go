package voicewire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalBusDeliversEvents(t *testing.T) {
	bus := NewSignalBus()
	bus.Publish(EnvHidden)
	bus.Publish(EnvVisible)

	assert.Equal(t, EnvHidden, <-bus.Events())
	assert.Equal(t, EnvVisible, <-bus.Events())

	require.NoError(t, bus.Close())
	_, open := <-bus.Events()
	assert.False(t, open)

	// Publishing after close must not panic.
	bus.Publish(EnvOnline)
}

func TestSignalBusDropsWhenSubscriberLags(t *testing.T) {
	bus := NewSignalBus()
	defer bus.Close()
	for range 100 {
		bus.Publish(EnvDeviceChange)
	}
	// The buffer bounds delivery; the rest were dropped silently.
	assert.LessOrEqual(t, len(bus.Events()), 16)
}

func TestEnvironmentEventString(t *testing.T) {
	assert.Equal(t, "hidden", EnvHidden.String())
	assert.Equal(t, "device_change", EnvDeviceChange.String())
	assert.Equal(t, "unknown", EnvironmentEvent(99).String())
}
