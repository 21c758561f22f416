package voicewire

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/voicewire/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionState is the session controller's connection state.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// SessionCallbacks receive session lifecycle and inbound frames. Setting
// callbacks replaces the whole handler set atomically.
type SessionCallbacks struct {
	OnConnected     func()
	OnDisconnected  func()
	OnMessage       func(*ServerFrame)
	OnError         func(error)
	OnSystemMessage func(string)
}

// SessionStats is a read-only snapshot of the controller.
type SessionStats struct {
	State               SessionState
	ReconnectAttempts   int
	LastCloseCode       int
	LastCloseReason     string
	HasResumptionHandle bool
}

// SessionController owns the transport connection to the remote speech
// service: connect, disconnect, reconnect with backoff, resumption-handle
// caching and close-code classification. Every connect attempt carries a
// monotonically increasing attempt id; results from superseded attempts
// are discarded so a slow abandoned connection cannot corrupt a newer one.
type SessionController struct {
	logger shared.LoggerAdapter
	cfg    Config
	dial   Dialer
	tel    *telemetry

	mu                sync.Mutex
	cb                SessionCallbacks
	state             SessionState
	conn              Conn
	attemptID         uint64
	reconnectAttempts int
	resumptionHandle  string
	coldRetryUsed     bool
	wantSession       bool
	suspended         bool
	lastCloseCode     int
	lastCloseReason   string
	retryTimer        *time.Timer
	goAwayTimer       *time.Timer
	rng               *rand.Rand
}

func NewSessionController(logger shared.LoggerAdapter, cfg Config) (*SessionController, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &SessionController{
		logger: logger,
		cfg:    cfg,
		dial:   DialWebSocket,
		tel:    newTelemetry(nil),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetCallbacks replaces the active handler set.
func (s *SessionController) SetCallbacks(cb SessionCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

func (s *SessionController) setDialer(dial Dialer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dial = dial
}

func (s *SessionController) setTelemetry(tel *telemetry) {
	s.mu.Lock()
	old := s.tel
	s.tel = tel
	s.mu.Unlock()
	old.close()
}

func (s *SessionController) callbacks() SessionCallbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

// State returns the current session state.
func (s *SessionController) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a read-only snapshot.
func (s *SessionController) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		State:               s.state,
		ReconnectAttempts:   s.reconnectAttempts,
		LastCloseCode:       s.lastCloseCode,
		LastCloseReason:     s.lastCloseReason,
		HasResumptionHandle: s.resumptionHandle != "",
	}
}

// Connect opens the session. A no-op when a connect is already in flight
// or the session is connected.
func (s *SessionController) Connect() {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.wantSession = true
	s.suspended = false
	s.coldRetryUsed = false
	s.reconnectAttempts = 0
	s.setStateLocked(StateConnecting)
	id := s.nextAttemptLocked()
	s.mu.Unlock()
	go s.connectAttempt(id)
}

// Disconnect tears the session down and invalidates all pending work from
// the current attempt.
func (s *SessionController) Disconnect() {
	s.mu.Lock()
	s.wantSession = false
	s.nextAttemptLocked()
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	wasDisconnected := s.state == StateDisconnected
	s.setStateLocked(StateClosing)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "client disconnect")
	}

	s.mu.Lock()
	s.setStateLocked(StateDisconnected)
	cb := s.cb
	s.mu.Unlock()
	if !wasDisconnected && cb.OnDisconnected != nil {
		cb.OnDisconnected()
	}
}

// SendText submits a complete user text turn. Text buffered before a drop
// is not replayed after reconnect; callers see ErrNotConnected instead.
func (s *SessionController) SendText(text string) error {
	frame := TextTurnFrame(text)
	return s.writeFrame(frame)
}

// SendAudio submits one captured audio chunk.
func (s *SessionController) SendAudio(chunk AudioChunk) error {
	return s.writeFrame(AudioInputFrame(chunk))
}

// SendAudioStreamEnd marks the microphone stream as finished.
func (s *SessionController) SendAudioStreamEnd() error {
	return s.writeFrame(AudioStreamEndFrame())
}

// SendTurnComplete signals the end of the user's turn explicitly.
func (s *SessionController) SendTurnComplete() error {
	return s.writeFrame(TurnCompleteFrame())
}

func (s *SessionController) writeFrame(frame *ClientFrame) error {
	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		return shared.ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()
	data, err := EncodeClientFrame(frame)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Suspend closes the active socket without destroying the resumption
// handle and suppresses reconnect attempts until Resume.
func (s *SessionController) Suspend(reason string) {
	s.mu.Lock()
	if s.suspended {
		s.mu.Unlock()
		return
	}
	s.suspended = true
	s.nextAttemptLocked()
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	if s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()
	s.logger.Info("session suspended", zap.String("reason", reason))
	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, reason)
	}
}

// Resume lifts a suspension and reconnects when the caller still wants
// the session.
func (s *SessionController) Resume() {
	s.mu.Lock()
	if !s.suspended {
		s.mu.Unlock()
		return
	}
	s.suspended = false
	if !s.wantSession || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting)
	id := s.nextAttemptLocked()
	s.mu.Unlock()
	s.logger.Info("session resuming after suspension")
	go s.connectAttempt(id)
}

// Close releases the controller. The controller must not be reused.
func (s *SessionController) Close() {
	s.Disconnect()
	s.tel.close()
}

func (s *SessionController) setStateLocked(state SessionState) {
	if s.state == state {
		return
	}
	s.logger.Debug(
		"session state changed",
		zap.String("prev", s.state.String()),
		zap.String("new", state.String()),
	)
	s.state = state
}

func (s *SessionController) nextAttemptLocked() uint64 {
	s.attemptID++
	return s.attemptID
}

func (s *SessionController) stopTimersLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.goAwayTimer != nil {
		s.goAwayTimer.Stop()
		s.goAwayTimer = nil
	}
}

func (s *SessionController) connectAttempt(id uint64) {
	s.mu.Lock()
	if id != s.attemptID || !s.wantSession || s.suspended {
		s.mu.Unlock()
		return
	}
	endpoint := s.cfg.Endpoint
	handle := s.resumptionHandle
	dial := s.dial
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.connectTimeout())
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	conn, err := dial(ctx, endpoint, header)

	s.mu.Lock()
	if id != s.attemptID || !s.wantSession {
		s.mu.Unlock()
		// A slow attempt that resolved after being superseded: close the
		// socket unused.
		if err == nil {
			_ = conn.Close(websocket.CloseNormalClosure, "stale attempt")
		}
		return
	}
	s.mu.Unlock()
	if err != nil {
		s.handleConnectFailure(id, handle, err)
		return
	}

	setup := &ClientFrame{Setup: &Setup{Model: s.cfg.Model}}
	if handle != "" {
		setup.Setup.SessionResumption = &SessionResumption{Handle: handle}
	}
	data, err := EncodeClientFrame(setup)
	if err == nil {
		err = conn.WriteMessage(data)
	}
	if err != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "setup failed")
		s.handleConnectFailure(id, handle, err)
		return
	}

	s.mu.Lock()
	if id != s.attemptID || !s.wantSession {
		s.mu.Unlock()
		_ = conn.Close(websocket.CloseNormalClosure, "stale attempt")
		return
	}
	s.conn = conn
	s.setStateLocked(StateConnected)
	s.reconnectAttempts = 0
	s.coldRetryUsed = false
	cb := s.cb
	s.mu.Unlock()

	s.logger.Info("session connected", zap.Uint64("attempt", id), zap.Bool("resumed", handle != ""))
	if cb.OnConnected != nil {
		cb.OnConnected()
	}
	go s.readLoop(conn, id)
}

func (s *SessionController) handleConnectFailure(id uint64, usedHandle string, err error) {
	s.logger.Warn("connect attempt failed", zap.Uint64("attempt", id), zap.Error(err))

	s.mu.Lock()
	if id != s.attemptID || !s.wantSession {
		s.mu.Unlock()
		return
	}
	// When resumption itself failed, clear the handle and retry once from
	// a cold start before entering the normal backoff accounting.
	if usedHandle != "" && !s.coldRetryUsed {
		s.coldRetryUsed = true
		s.resumptionHandle = ""
		retryID := s.nextAttemptLocked()
		cb := s.cb
		s.mu.Unlock()
		if cb.OnSystemMessage != nil {
			cb.OnSystemMessage("Session resume failed; starting a fresh session.")
		}
		go s.connectAttempt(retryID)
		return
	}
	msg, fatal := s.scheduleReconnectLocked(err.Error())
	cb := s.cb
	s.mu.Unlock()
	s.notifyReconnect(cb, msg, fatal, err)
}

func (s *SessionController) readLoop(conn Conn, id uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			s.handleClose(id, code, reason)
			return
		}
		frame, derr := DecodeServerFrame(data)
		if derr != nil {
			s.logger.Warn("dropping undecodable frame", zap.Error(derr))
			continue
		}
		s.handleFrame(id, frame)
	}
}

func closeInfo(err error) (int, string) {
	if closeErr, ok := err.(*CloseError); ok {
		return closeErr.Code, closeErr.Reason
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func (s *SessionController) handleFrame(id uint64, frame *ServerFrame) {
	s.mu.Lock()
	if id != s.attemptID {
		// Stale attempt; never let its frames mutate session state.
		s.mu.Unlock()
		return
	}
	if update := frame.SessionResumptionUpdate; update != nil {
		if update.Resumable && update.NewHandle != "" {
			s.resumptionHandle = update.NewHandle
		} else if !update.Resumable {
			s.resumptionHandle = ""
		}
	}
	cb := s.cb
	s.mu.Unlock()

	if frame.GoAway != nil {
		s.scheduleProactiveReconnect(id, frame.GoAway)
	}
	if cb.OnMessage != nil {
		cb.OnMessage(frame)
	}
}

// scheduleProactiveReconnect reconnects shortly before the announced
// cutoff instead of waiting for the hard close.
func (s *SessionController) scheduleProactiveReconnect(id uint64, goAway *GoAway) {
	timeLeft, err := goAway.TimeLeftDuration()
	if err != nil {
		s.logger.Warn("ignoring malformed goAway frame", zap.Error(err))
		return
	}
	lead := timeLeft - time.Second
	if lead < 0 {
		lead = 0
	}
	s.logger.Info("server going away", zap.Duration("timeLeft", timeLeft))

	s.mu.Lock()
	if id != s.attemptID {
		s.mu.Unlock()
		return
	}
	if s.goAwayTimer != nil {
		s.goAwayTimer.Stop()
	}
	s.goAwayTimer = time.AfterFunc(lead, func() {
		s.mu.Lock()
		if id != s.attemptID || !s.wantSession {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		s.conn = nil
		s.setStateLocked(StateReconnecting)
		retryID := s.nextAttemptLocked()
		cb := s.cb
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "go away")
		}
		if cb.OnSystemMessage != nil {
			cb.OnSystemMessage("Connection ending soon; reconnecting.")
		}
		go s.connectAttempt(retryID)
	})
	cb := s.cb
	s.mu.Unlock()
	if cb.OnSystemMessage != nil {
		cb.OnSystemMessage("Server is restarting; the session will reconnect shortly.")
	}
}

func (s *SessionController) handleClose(id uint64, code int, reason string) {
	s.mu.Lock()
	if id != s.attemptID {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.lastCloseCode = code
	s.lastCloseReason = reason
	s.tel.emit(TelemetrySessionClose, map[string]any{"code": code, "reason": reason})
	cb := s.cb

	if s.state == StateClosing || !s.wantSession {
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		return
	}

	reasonLower := strings.ToLower(reason)
	switch classifyClose(code, reasonLower) {
	case closeNormal:
		s.wantSession = false
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		s.logger.Info("session closed normally")
		if cb.OnDisconnected != nil {
			cb.OnDisconnected()
		}

	case closeSessionNotFound:
		s.resumptionHandle = ""
		msg, fatal := s.scheduleReconnectLocked(reason)
		s.mu.Unlock()
		s.logger.Warn("resumption handle rejected; reconnecting cold", zap.String("reason", reason))
		s.notifyReconnect(cb, msg, fatal, &CloseError{Code: code, Reason: reason})

	case closeAuthRejected:
		s.wantSession = false
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		s.logger.Error("session closed: auth rejected", nil, zap.Int("code", code), zap.String("reason", reason))
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("%w: %s", shared.ErrAuthRejected, reason))
		}

	case closeQuotaExceeded:
		s.wantSession = false
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		s.logger.Error("session closed: quota exceeded", nil, zap.Int("code", code), zap.String("reason", reason))
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("%w: %s", shared.ErrQuotaExceeded, reason))
		}

	default:
		msg, fatal := s.scheduleReconnectLocked(reason)
		s.mu.Unlock()
		s.logger.Warn("session closed abnormally", zap.Int("code", code), zap.String("reason", reason))
		s.notifyReconnect(cb, msg, fatal, &CloseError{Code: code, Reason: reason})
	}
}

type closeClass int

const (
	closeNormal closeClass = iota
	closeSessionNotFound
	closeAuthRejected
	closeQuotaExceeded
	closeTransient
)

// classifyClose maps a transport close to the recovery action. reason must
// already be lowercased.
func classifyClose(code int, reason string) closeClass {
	switch {
	case code == websocket.CloseNormalClosure:
		return closeNormal
	case code == websocket.ClosePolicyViolation && strings.Contains(reason, "session not found"):
		return closeSessionNotFound
	case code == websocket.ClosePolicyViolation,
		strings.Contains(reason, "auth"),
		strings.Contains(reason, "api key"),
		strings.Contains(reason, "api_key"):
		return closeAuthRejected
	case code == websocket.CloseTryAgainLater, strings.Contains(reason, "quota"):
		return closeQuotaExceeded
	default:
		return closeTransient
	}
}

// scheduleReconnectLocked arms the retry timer. It returns the user-facing
// status message and whether retries are exhausted. Caller holds s.mu.
func (s *SessionController) scheduleReconnectLocked(reason string) (msg string, exhausted bool) {
	s.reconnectAttempts++
	rc := s.cfg.Reconnect
	if rc.MaxRetries > 0 && s.reconnectAttempts > rc.MaxRetries {
		s.wantSession = false
		s.setStateLocked(StateDisconnected)
		return "Unable to reconnect. Please try again.", true
	}
	s.setStateLocked(StateReconnecting)
	delay := backoffDelay(rc, s.reconnectAttempts, s.rng)
	id := s.nextAttemptLocked()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() { s.connectAttempt(id) })
	s.tel.emit(TelemetryReconnectAttempt, map[string]any{
		"attempt": s.reconnectAttempts,
		"delayMs": delay.Milliseconds(),
		"reason":  reason,
	})
	if rc.MaxRetries > 0 {
		return fmt.Sprintf("Connection lost. Reconnecting (attempt %d of %d)...", s.reconnectAttempts, rc.MaxRetries), false
	}
	return fmt.Sprintf("Connection lost. Reconnecting (attempt %d)...", s.reconnectAttempts), false
}

func (s *SessionController) notifyReconnect(cb SessionCallbacks, msg string, exhausted bool, cause error) {
	if cb.OnSystemMessage != nil && msg != "" {
		cb.OnSystemMessage(msg)
	}
	if exhausted {
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("reconnect attempts exhausted: %w", cause))
		}
		if cb.OnDisconnected != nil {
			cb.OnDisconnected()
		}
	}
}

// backoffDelay computes the jittered exponential backoff for an attempt
// (1-based). The pre-jitter delay is monotonically non-decreasing up to
// MaxDelayMs; symmetric jitter keeps it within +/- JitterPct.
func backoffDelay(rc ReconnectConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(rc.BaseDelayMs) * math.Pow(rc.Factor, float64(attempt-1))
	if maxDelay := float64(rc.MaxDelayMs); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if rc.JitterPct > 0 && rng != nil {
		delay += delay * rc.JitterPct * (rng.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}
