package voicewire

import "sync"

// EnvironmentEvent is a host lifecycle signal: page visibility, network
// reachability, and audio device changes, abstracted away from how the
// host delivers them.
type EnvironmentEvent int

const (
	EnvHidden EnvironmentEvent = iota
	EnvVisible
	EnvOffline
	EnvOnline
	EnvDeviceChange
)

func (e EnvironmentEvent) String() string {
	switch e {
	case EnvHidden:
		return "hidden"
	case EnvVisible:
		return "visible"
	case EnvOffline:
		return "offline"
	case EnvOnline:
		return "online"
	case EnvDeviceChange:
		return "device_change"
	default:
		return "unknown"
	}
}

// EnvironmentSignals delivers host lifecycle events to the orchestrator.
type EnvironmentSignals interface {
	Events() <-chan EnvironmentEvent
	Close() error
}

// SignalBus is a push-based EnvironmentSignals implementation for hosts
// that translate their own lifecycle hooks into engine events.
type SignalBus struct {
	mu     sync.Mutex
	ch     chan EnvironmentEvent
	closed bool
}

func NewSignalBus() *SignalBus {
	return &SignalBus{ch: make(chan EnvironmentEvent, 16)}
}

// Publish delivers an event. Events are dropped when the subscriber lags
// far behind; lifecycle signals are level-style, not a reliable log.
func (b *SignalBus) Publish(ev EnvironmentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	default:
	}
}

func (b *SignalBus) Events() <-chan EnvironmentEvent {
	return b.ch
}

func (b *SignalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}
