package voicewire

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/voicewire/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type readEvent struct {
	data []byte
	err  error
}

// fakeConn is a scriptable transport connection. Tests feed inbound
// frames and close events through pushFrame/pushClose.
type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	writeErr  error
	reads     chan readEvent
	closed    bool
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan readEvent, 16)}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	ev, ok := <-c.reads
	if !ok {
		return nil, &CloseError{Code: websocket.CloseNormalClosure, Reason: "closed"}
	}
	return ev.data, ev.err
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		close(c.reads)
	}
	return nil
}

func (c *fakeConn) pushFrame(raw string) {
	c.reads <- readEvent{data: []byte(raw)}
}

func (c *fakeConn) pushClose(code int, reason string) {
	c.reads <- readEvent{err: &CloseError{Code: code, Reason: reason}}
}

func (c *fakeConn) sentFrames(t *testing.T) []*ClientFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]*ClientFrame, 0, len(c.writes))
	for _, data := range c.writes {
		frame := new(ClientFrame)
		require.NoError(t, sonic.Unmarshal(data, frame))
		frames = append(frames, frame)
	}
	return frames
}

// fakeDialer hands out scripted connections, one per dial call.
type fakeDialer struct {
	mu    sync.Mutex
	errs  []error
	conns []*fakeConn
	calls int
}

func (d *fakeDialer) dial(_ context.Context, _ string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func testSessionConfig() Config {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.Model = "live-speech-1"
	cfg.Reconnect = ReconnectConfig{
		BaseDelayMs: 1,
		Factor:      2,
		MaxDelayMs:  10,
		JitterPct:   0,
		MaxRetries:  3,
	}
	return cfg
}

func newTestController(t *testing.T, dialer *fakeDialer) *SessionController {
	t.Helper()
	s, err := NewSessionController(shared.NewNopLogger(), testSessionConfig())
	require.NoError(t, err)
	s.setDialer(dialer.dial)
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestNewSessionControllerValidation(t *testing.T) {
	cfg := testSessionConfig()
	_, err := NewSessionController(nil, cfg)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	cfg.APIKey = ""
	_, err = NewSessionController(shared.NewNopLogger(), cfg)
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
}

func TestSessionConnectSendsSetup(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestController(t, dialer)

	var connected atomic.Int32
	s.SetCallbacks(SessionCallbacks{OnConnected: func() { connected.Add(1) }})
	s.Connect()

	waitFor(t, func() bool { return connected.Load() == 1 }, "connected callback")
	assert.Equal(t, StateConnected, s.State())

	frames := dialer.conn(0).sentFrames(t)
	require.NotEmpty(t, frames)
	require.NotNil(t, frames[0].Setup)
	assert.Equal(t, "live-speech-1", frames[0].Setup.Model)
	assert.Nil(t, frames[0].Setup.SessionResumption)
}

func TestSessionSendBeforeConnect(t *testing.T) {
	s := newTestController(t, &fakeDialer{})
	assert.ErrorIs(t, s.SendText("hi"), shared.ErrNotConnected)
	assert.ErrorIs(t, s.SendAudio(AudioChunk{}), shared.ErrNotConnected)
	assert.ErrorIs(t, s.SendAudioStreamEnd(), shared.ErrNotConnected)
}

func TestSessionResumptionHandleReusedOnReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestController(t, dialer)
	s.Connect()
	waitFor(t, func() bool { return s.State() == StateConnected }, "initial connect")

	conn := dialer.conn(0)
	conn.pushFrame(`{"sessionResumptionUpdate":{"resumable":true,"newHandle":"h-42"}}`)
	waitFor(t, func() bool { return s.Stats().HasResumptionHandle }, "handle cached")

	// Abnormal close triggers a reconnect that must carry the handle.
	conn.pushClose(websocket.CloseAbnormalClosure, "network blip")
	waitFor(t, func() bool { return dialer.callCount() >= 2 && s.State() == StateConnected }, "reconnected")

	frames := dialer.conn(1).sentFrames(t)
	require.NotEmpty(t, frames)
	require.NotNil(t, frames[0].Setup)
	require.NotNil(t, frames[0].Setup.SessionResumption)
	assert.Equal(t, "h-42", frames[0].Setup.SessionResumption.Handle)
}

func TestSessionNotFoundClearsHandle(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestController(t, dialer)
	s.Connect()
	waitFor(t, func() bool { return s.State() == StateConnected }, "initial connect")

	conn := dialer.conn(0)
	conn.pushFrame(`{"sessionResumptionUpdate":{"resumable":true,"newHandle":"h-stale"}}`)
	waitFor(t, func() bool { return s.Stats().HasResumptionHandle }, "handle cached")

	conn.pushClose(websocket.ClosePolicyViolation, "session not found")
	waitFor(t, func() bool { return dialer.callCount() >= 2 && s.State() == StateConnected }, "reconnected cold")

	assert.False(t, s.Stats().HasResumptionHandle)
	frames := dialer.conn(1).sentFrames(t)
	require.NotEmpty(t, frames)
	require.NotNil(t, frames[0].Setup)
	assert.Nil(t, frames[0].Setup.SessionResumption)
}

func TestSessionNormalCloseDoesNotReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestController(t, dialer)

	var disconnected atomic.Int32
	s.SetCallbacks(SessionCallbacks{OnDisconnected: func() { disconnected.Add(1) }})
	s.Connect()
	waitFor(t, func() bool { return s.State() == StateConnected }, "connect")

	dialer.conn(0).pushClose(websocket.CloseNormalClosure, "bye")
	waitFor(t, func() bool { return s.State() == StateDisconnected }, "disconnect")
	waitFor(t, func() bool { return disconnected.Load() == 1 }, "disconnected callback")

	// Give any stray reconnect a moment to surface.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.callCount())
	assert.Equal(t, int32(1), disconnected.Load())
}

func TestSessionAuthRejectedIsTerminal(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestController(t, dialer)

	var gotErr atomic.Value
	s.SetCallbacks(SessionCallbacks{OnError: func(err error) { gotErr.Store(err) }})
	s.Connect()
	waitFor(t, func() bool { return s.State() == StateConnected }, "connect")

	dialer.conn(0).pushClose(websocket.ClosePolicyViolation, "invalid api key")
	waitFor(t, func() bool { return gotErr.Load() != nil }, "error callback")

	err, _ := gotErr.Load().(error)
	assert.ErrorIs(t, err, shared.ErrAuthRejected)
	assert.Equal(t, StateDisconnected, s.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.callCount())
}

func TestSessionQuotaExceededIsTerminal(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestController(t, dialer)

	var gotErr atomic.Value
	s.SetCallbacks(SessionCallbacks{OnError: func(err error) { gotErr.Store(err) }})
	s.Connect()
	waitFor(t, func() bool { return s.State() == StateConnected }, "connect")

	dialer.conn(0).pushClose(websocket.CloseTryAgainLater, "quota exhausted")
	waitFor(t, func() bool { return gotErr.Load() != nil }, "error callback")

	err, _ := gotErr.Load().(error)
	assert.ErrorIs(t, err, shared.ErrQuotaExceeded)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionRetriesExhausted(t *testing.T) {
	dialer := &fakeDialer{
		errs: []error{
			errors.New("dial 1"), errors.New("dial 2"),
			errors.New("dial 3"), errors.New("dial 4"), errors.New("dial 5"),
		},
	}
	s := newTestController(t, dialer)

	var gotErr atomic.Value
	var disconnected atomic.Int32
	s.SetCallbacks(SessionCallbacks{
		OnError:        func(err error) { gotErr.Store(err) },
		OnDisconnected: func() { disconnected.Add(1) },
	})
	s.Connect()

	waitFor(t, func() bool { return gotErr.Load() != nil }, "exhaustion error")
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, int32(1), disconnected.Load())
	// Initial attempt plus maxRetries scheduled attempts.
	assert.Equal(t, 1+testSessionConfig().Reconnect.MaxRetries, dialer.callCount())
}

func TestSessionUnboundedRetryMessage(t *testing.T) {
	dialer := &fakeDialer{errs: []error{errors.New("dial 1")}}
	cfg := testSessionConfig()
	cfg.Reconnect.MaxRetries = 0
	s, err := NewSessionController(shared.NewNopLogger(), cfg)
	require.NoError(t, err)
	s.setDialer(dialer.dial)
	t.Cleanup(s.Close)

	var first atomic.Value
	s.SetCallbacks(SessionCallbacks{OnSystemMessage: func(msg string) {
		first.CompareAndSwap(nil, msg)
	}})
	s.Connect()

	// With no retry cap the status message carries no total.
	waitFor(t, func() bool { return s.State() == StateConnected }, "reconnected")
	assert.Equal(t, "Connection lost. Reconnecting (attempt 1)...", first.Load())
}

func TestSessionColdRetryAfterResumeFailure(t *testing.T) {
	dialer := &fakeDialer{errs: []error{errors.New("resume dial failed")}}
	s := newTestController(t, dialer)

	// Seed a cached handle as if a previous connection had delivered one.
	s.mu.Lock()
	s.resumptionHandle = "h-old"
	s.mu.Unlock()

	var sysMsgs atomic.Int32
	s.SetCallbacks(SessionCallbacks{OnSystemMessage: func(string) { sysMsgs.Add(1) }})
	s.Connect()

	waitFor(t, func() bool { return s.State() == StateConnected }, "cold retry connected")
	assert.Equal(t, 2, dialer.callCount())
	assert.False(t, s.Stats().HasResumptionHandle)
	assert.GreaterOrEqual(t, sysMsgs.Load(), int32(1))

	frames := dialer.conn(0).sentFrames(t)
	require.NotEmpty(t, frames)
	assert.Nil(t, frames[0].Setup.SessionResumption)
	// The cold retry does not count against the retry budget.
	assert.Equal(t, 0, s.Stats().ReconnectAttempts)
}

func TestSessionGoAwayReconnectsProactively(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestController(t, dialer)
	s.Connect()
	waitFor(t, func() bool { return s.State() == StateConnected }, "connect")

	dialer.conn(0).pushFrame(`{"goAway":{"timeLeft":"0s"}}`)
	waitFor(t, func() bool { return dialer.callCount() >= 2 && s.State() == StateConnected }, "proactive reconnect")
}

func TestSessionStaleFrameSuppressed(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestController(t, dialer)
	s.Connect()
	waitFor(t, func() bool { return s.State() == StateConnected }, "connect")

	s.mu.Lock()
	current := s.attemptID
	s.mu.Unlock()

	// A frame attributed to a superseded attempt must not mutate state.
	s.handleFrame(current-1, &ServerFrame{
		SessionResumptionUpdate: &SessionResumptionUpdate{Resumable: true, NewHandle: "h-stale"},
	})
	assert.False(t, s.Stats().HasResumptionHandle)

	s.handleFrame(current, &ServerFrame{
		SessionResumptionUpdate: &SessionResumptionUpdate{Resumable: true, NewHandle: "h-live"},
	})
	assert.True(t, s.Stats().HasResumptionHandle)
}

func TestSessionSuspendResume(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestController(t, dialer)
	s.Connect()
	waitFor(t, func() bool { return s.State() == StateConnected }, "connect")

	s.Suspend("hidden")
	assert.Equal(t, StateDisconnected, s.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.callCount())

	s.Resume()
	waitFor(t, func() bool { return dialer.callCount() == 2 && s.State() == StateConnected }, "resume reconnects")
}

func TestBackoffDelayMonotonicWithoutJitter(t *testing.T) {
	rc := ReconnectConfig{BaseDelayMs: 500, Factor: 2, MaxDelayMs: 15000, JitterPct: 0}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(rc, attempt, nil)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 15000*time.Millisecond)
		prev = d
	}
	assert.Equal(t, 500*time.Millisecond, backoffDelay(rc, 1, nil))
	assert.Equal(t, 1000*time.Millisecond, backoffDelay(rc, 2, nil))
	assert.Equal(t, 15000*time.Millisecond, backoffDelay(rc, 10, nil))
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rc := ReconnectConfig{
			BaseDelayMs: rapid.IntRange(1, 2000).Draw(rt, "base"),
			Factor:      rapid.Float64Range(1, 4).Draw(rt, "factor"),
			MaxDelayMs:  rapid.IntRange(2000, 60000).Draw(rt, "max"),
			JitterPct:   rapid.Float64Range(0, 1).Draw(rt, "jitter"),
		}
		attempt := rapid.IntRange(1, 12).Draw(rt, "attempt")
		rng := rand.New(rand.NewSource(rapid.Int64().Draw(rt, "seed")))

		d := backoffDelay(rc, attempt, rng)
		assert.GreaterOrEqual(rt, d, time.Duration(0))

		ceiling := float64(rc.MaxDelayMs) * (1 + rc.JitterPct)
		assert.LessOrEqual(rt, d, time.Duration(ceiling+1)*time.Millisecond)
	})
}
