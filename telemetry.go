package voicewire

import (
	"sync"
	"time"
)

// TelemetryEvent is a fire-and-forget observability record. Sinks receive
// events on a dedicated goroutine and may be arbitrarily slow; the engine
// drops events rather than block on a stalled sink.
type TelemetryEvent struct {
	Type string
	TS   time.Time
	Data map[string]any
}

// Telemetry event types emitted by the engine.
const (
	TelemetryQueueOverflow    = "queue_overflow"
	TelemetryReconnectAttempt = "reconnect_attempt"
	TelemetrySendError        = "send_error"
	TelemetryPlaybackBatch    = "playback_batch"
	TelemetrySessionClose     = "session_close"
)

// TelemetrySink consumes telemetry events.
type TelemetrySink func(TelemetryEvent)

// telemetry decouples event producers from the sink with a bounded buffer.
type telemetry struct {
	ch        chan TelemetryEvent
	closeOnce sync.Once
	done      chan struct{}
}

func newTelemetry(sink TelemetrySink) *telemetry {
	t := &telemetry{
		ch:   make(chan TelemetryEvent, 128),
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		for ev := range t.ch {
			if sink != nil {
				sink(ev)
			}
		}
	}()
	return t
}

func (t *telemetry) emit(eventType string, data map[string]any) {
	if t == nil {
		return
	}
	ev := TelemetryEvent{Type: eventType, TS: time.Now(), Data: data}
	select {
	case t.ch <- ev:
	default:
		// Sink is stalled; drop rather than block the loop.
	}
}

func (t *telemetry) close() {
	if t == nil {
		return
	}
	t.closeOnce.Do(func() { close(t.ch) })
	<-t.done
}
