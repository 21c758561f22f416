package voicewire

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/voicewire/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Role identifies who produced a transcript message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// TranscriptMessage is one finalized (or in-progress) conversation entry.
type TranscriptMessage struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	Content     string `json:"content"`
	TimestampMs int64  `json:"timestampMs"`
}

// ChatCallbacks receive conversation-level events. OnPartial fires with
// the same message ID as the eventual OnMessage so hosts can update an
// in-progress bubble in place.
type ChatCallbacks struct {
	OnMessage     func(TranscriptMessage)
	OnPartial     func(TranscriptMessage)
	OnStateChange func(ChatState)
	OnError       func(error)
}

// ChatState is a coarse snapshot for host UIs.
type ChatState struct {
	Session       SessionState
	Listening     bool
	AgentSpeaking bool
	Muted         bool
}

// ChatStats aggregates the stats of every component.
type ChatStats struct {
	Session SessionStats
	Input   InputStats
	Output  OutputStats
}

// ChatOptions carries the host-provided collaborators. Capture and
// Playback may be nil for text-only conversations.
type ChatOptions struct {
	Capture     CaptureSource
	Playback    PlaybackSink
	Environment EnvironmentSignals
	Telemetry   TelemetrySink
}

// transcriptDraft accumulates streamed fragments for one open message.
type transcriptDraft struct {
	id        string
	role      Role
	fragments []string
	startedMs int64
}

func (d *transcriptDraft) snapshot() TranscriptMessage {
	return TranscriptMessage{
		ID:          d.id,
		Role:        d.role,
		Content:     collapseWhitespace(strings.Join(d.fragments, "")),
		TimestampMs: d.startedMs,
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Chat composes the session controller with both audio pipelines into one
// voice conversation: half-duplex mic handling while the agent speaks,
// barge-in, streamed transcript assembly and optional persistence.
type Chat struct {
	logger  shared.LoggerAdapter
	cfg     Config
	session *SessionController
	input   *InputPipeline
	output  *OutputPipeline
	env     EnvironmentSignals
	store   *messageStore
	tel     *telemetry

	mu             sync.Mutex
	cb             ChatCallbacks
	muted          bool
	micWasOn       bool
	micHeld        bool
	agentSpeaking  bool
	userDraft      *transcriptDraft
	agentDraft     *transcriptDraft
	micResumeTimer *time.Timer
	closed         bool

	envDone chan struct{}
}

func NewChat(logger shared.LoggerAdapter, cfg Config, opts ChatOptions) (*Chat, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	session, err := NewSessionController(logger, cfg)
	if err != nil {
		return nil, err
	}

	c := &Chat{
		logger:  logger,
		cfg:     cfg,
		session: session,
		env:     opts.Environment,
		tel:     newTelemetry(opts.Telemetry),
	}
	session.setTelemetry(c.tel)
	if opts.Capture != nil {
		c.input = NewInputPipeline(logger, cfg, opts.Capture, session)
		c.input.setTelemetry(c.tel)
		c.input.SetFatalHandler(c.handleInputFatal)
	}
	if opts.Playback != nil {
		c.output = NewOutputPipeline(logger, cfg, opts.Playback)
		c.output.setTelemetry(c.tel)
		c.output.SetCompleteHandler(c.handlePlaybackComplete)
	}
	if cfg.PersistURL != "" {
		c.store = newMessageStore(logger, cfg.PersistURL, time.Duration(cfg.PersistFlushSeconds)*time.Second)
	}

	session.SetCallbacks(SessionCallbacks{
		OnConnected:     c.handleConnected,
		OnDisconnected:  c.handleDisconnected,
		OnMessage:       c.handleServerFrame,
		OnError:         c.handleSessionError,
		OnSystemMessage: c.emitSystemMessage,
	})

	if c.env != nil {
		c.envDone = make(chan struct{})
		go c.environmentLoop()
	}
	return c, nil
}

// SetCallbacks replaces the active handler set.
func (c *Chat) SetCallbacks(cb ChatCallbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *Chat) callbacks() ChatCallbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

// Connect opens the conversation.
func (c *Chat) Connect() {
	c.session.Connect()
}

// Disconnect ends the conversation but keeps the Chat reusable.
func (c *Chat) Disconnect() {
	if c.input != nil {
		c.input.Stop()
	}
	if c.output != nil {
		c.output.StopPlayback()
	}
	c.session.Disconnect()
}

// StartListening opens the microphone. Starting to listen while the agent
// is speaking is barge-in: playback stops immediately.
func (c *Chat) StartListening() error {
	if c.input == nil {
		return shared.ErrCaptureUnavailable
	}
	c.mu.Lock()
	if c.muted {
		c.mu.Unlock()
		return nil
	}
	c.cancelMicResumeLocked()
	c.micHeld = false
	c.agentSpeaking = false
	c.mu.Unlock()

	if c.output != nil {
		c.output.StopPlayback()
	}
	err := c.input.Start()
	if errors.Is(err, shared.ErrAlreadyListening) {
		c.input.Resume()
		err = nil
	}
	if err == nil {
		c.notifyState()
	}
	return err
}

// StopListening closes the microphone. With client-side VAD the turn
// boundary is the client's call, so an explicit turn-complete follows the
// stream end; otherwise segmentation is left to the server.
func (c *Chat) StopListening() {
	if c.input == nil {
		return
	}
	c.mu.Lock()
	c.cancelMicResumeLocked()
	c.micHeld = false
	c.mu.Unlock()
	wasListening := c.input.IsListening()
	c.input.Stop()
	if wasListening && c.cfg.UseClientVAD {
		if err := c.session.SendTurnComplete(); err != nil && !errors.Is(err, shared.ErrNotConnected) {
			c.logger.Warn("sending turn complete", zap.Error(err))
		}
	}
	c.notifyState()
}

// SendText submits a complete user text turn. The message is finalized
// immediately; there is no partial phase for typed input.
func (c *Chat) SendText(text string) error {
	trimmed := collapseWhitespace(text)
	if trimmed == "" {
		return nil
	}
	if err := c.session.SendText(trimmed); err != nil {
		return err
	}
	c.emitFinal(TranscriptMessage{
		ID:          uuid.NewString(),
		Role:        RoleUser,
		Content:     trimmed,
		TimestampMs: time.Now().UnixMilli(),
	})
	return nil
}

// SetMuted mutes or unmutes the microphone. Unmuting restores whatever
// listening state was active before the mute.
func (c *Chat) SetMuted(muted bool) {
	c.mu.Lock()
	if c.muted == muted {
		c.mu.Unlock()
		return
	}
	c.muted = muted
	input := c.input
	if muted && input != nil {
		c.micWasOn = input.IsListening()
	}
	restore := !muted && c.micWasOn
	c.mu.Unlock()

	if input == nil {
		c.notifyState()
		return
	}
	if muted {
		input.Stop()
	} else if restore {
		if err := c.StartListening(); err != nil {
			c.handleSessionError(fmt.Errorf("restoring microphone after unmute: %w", err))
		}
		return
	}
	c.notifyState()
}

// IsMuted reports the mute toggle.
func (c *Chat) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// State returns a coarse snapshot for host UIs.
func (c *Chat) State() ChatState {
	c.mu.Lock()
	muted := c.muted
	speaking := c.agentSpeaking
	c.mu.Unlock()
	listening := c.input != nil && c.input.IsListening()
	return ChatState{
		Session:       c.session.State(),
		Listening:     listening,
		AgentSpeaking: speaking,
		Muted:         muted,
	}
}

// MicLevel returns the smoothed microphone level for UI meters.
func (c *Chat) MicLevel() float64 {
	if c.input == nil {
		return 0
	}
	return c.input.MicLevel()
}

// GetStats aggregates every component's snapshot.
func (c *Chat) GetStats() ChatStats {
	stats := ChatStats{Session: c.session.Stats()}
	if c.input != nil {
		stats.Input = c.input.GetStats()
	}
	if c.output != nil {
		stats.Output = c.output.GetStats()
	}
	return stats
}

// Close releases everything. The Chat must not be reused.
func (c *Chat) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelMicResumeLocked()
	c.mu.Unlock()

	if c.input != nil {
		c.input.Stop()
	}
	c.session.Close()
	if c.output != nil {
		if err := c.output.Close(); err != nil {
			c.logger.Warn("closing playback", zap.Error(err))
		}
	}
	if c.env != nil {
		_ = c.env.Close()
		<-c.envDone
	}
	if c.store != nil {
		c.store.Close()
	}
	c.tel.close()
}

func (c *Chat) cancelMicResumeLocked() {
	if c.micResumeTimer != nil {
		c.micResumeTimer.Stop()
		c.micResumeTimer = nil
	}
}

func (c *Chat) handleConnected() {
	c.notifyState()
	c.mu.Lock()
	autoStart := c.cfg.AutoStartMicOnConnect && !c.muted
	c.mu.Unlock()
	if autoStart && c.input != nil && !c.input.IsListening() {
		if err := c.input.Start(); err != nil {
			c.handleSessionError(fmt.Errorf("starting microphone on connect: %w", err))
			return
		}
		c.notifyState()
	}
}

func (c *Chat) handleDisconnected() {
	c.mu.Lock()
	c.agentSpeaking = false
	c.cancelMicResumeLocked()
	c.mu.Unlock()
	if c.input != nil {
		c.input.Stop()
	}
	if c.output != nil {
		c.output.StopPlayback()
	}
	c.notifyState()
}

func (c *Chat) handleSessionError(err error) {
	cb := c.callbacks()
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (c *Chat) handleInputFatal(err error) {
	c.logger.Error("input pipeline halted", err)
	c.emitSystemMessage("Microphone streaming became unstable and was stopped.")
	c.handleSessionError(err)
	c.notifyState()
}

// handleServerFrame routes one inbound frame through transcript assembly
// and the output pipeline.
func (c *Chat) handleServerFrame(frame *ServerFrame) {
	content := frame.ServerContent
	if content == nil {
		return
	}
	if content.Interrupted {
		c.handleInterrupted()
	}
	if t := content.InputTranscription; t != nil && t.Text != "" {
		c.appendFragment(RoleUser, t.Text)
	}
	if t := content.OutputTranscription; t != nil && t.Text != "" {
		c.appendFragment(RoleAgent, t.Text)
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			c.handleModelPart(part)
		}
	}
	if content.GenerationComplete {
		c.handleGenerationComplete()
	}
	if content.TurnComplete {
		c.finalizeDraft(RoleUser)
		c.finalizeDraft(RoleAgent)
	}
}

func (c *Chat) handleModelPart(part Part) {
	if part.Text != "" {
		c.appendFragment(RoleAgent, part.Text)
	}
	blob := part.InlineData
	if blob == nil || blob.Data == "" || c.output == nil {
		return
	}
	pcm, err := DecodeAudioBase64(blob.Data)
	if err != nil {
		c.logger.Warn("dropping undecodable audio part", zap.Error(err))
		return
	}
	rate := ParseSampleRate(blob.MimeType, c.cfg.OutputSampleRate)
	c.beginAgentSpeech()
	if err := c.output.EnqueueAudio(pcm, rate); err != nil {
		c.logger.Warn("enqueueing agent audio", zap.Error(err))
	}
}

// beginAgentSpeech pauses the microphone for the duration of the agent's
// turn so playback is not fed back into capture.
func (c *Chat) beginAgentSpeech() {
	c.mu.Lock()
	already := c.agentSpeaking
	c.agentSpeaking = true
	c.cancelMicResumeLocked()
	holdMic := !already && c.input != nil && c.input.IsListening()
	if holdMic {
		c.micHeld = true
	}
	c.mu.Unlock()
	if already {
		return
	}
	if holdMic {
		c.input.Pause()
	}
	c.notifyState()
}

// handleGenerationComplete ends the agent's message even when no audio
// followed it. While playback is still running the mic stays held until
// the playback-complete grace fires.
func (c *Chat) handleGenerationComplete() {
	if c.output != nil && c.output.IsPlaying() {
		c.finalizeDraft(RoleAgent)
		return
	}
	c.handlePlaybackComplete()
}

// handlePlaybackComplete reopens the microphone a beat after the agent
// finishes so the playback tail is not captured as user speech.
func (c *Chat) handlePlaybackComplete() {
	c.finalizeDraft(RoleAgent)
	c.mu.Lock()
	c.agentSpeaking = false
	resume := c.micHeld && !c.muted
	c.micHeld = false
	if resume {
		c.cancelMicResumeLocked()
		c.micResumeTimer = time.AfterFunc(c.cfg.micResumeDelay(), func() {
			if c.input != nil {
				c.input.Resume()
			}
			c.notifyState()
		})
	}
	c.mu.Unlock()
	c.notifyState()
}

// handleInterrupted reacts to a server-side barge-in: in-flight playback
// stops and the open agent message is finalized as-is.
func (c *Chat) handleInterrupted() {
	if c.output != nil {
		c.output.StopPlayback()
	}
	c.finalizeDraft(RoleAgent)
	c.mu.Lock()
	c.agentSpeaking = false
	resume := c.micHeld && !c.muted
	c.micHeld = false
	c.cancelMicResumeLocked()
	c.mu.Unlock()
	if resume && c.input != nil {
		c.input.Resume()
	}
	c.notifyState()
}

// appendFragment adds streamed text to the open draft for the role,
// creating it on first use, and emits a partial update.
func (c *Chat) appendFragment(role Role, text string) {
	c.mu.Lock()
	draft := c.draftLocked(role)
	if draft == nil {
		draft = &transcriptDraft{
			id:        uuid.NewString(),
			role:      role,
			startedMs: time.Now().UnixMilli(),
		}
		c.setDraftLocked(role, draft)
	}
	draft.fragments = append(draft.fragments, text)
	partial := draft.snapshot()
	cb := c.cb
	c.mu.Unlock()
	if cb.OnPartial != nil {
		cb.OnPartial(partial)
	}
}

// finalizeDraft closes the open draft for the role and emits it. Empty
// drafts are discarded without emitting.
func (c *Chat) finalizeDraft(role Role) {
	c.mu.Lock()
	draft := c.draftLocked(role)
	if draft == nil {
		c.mu.Unlock()
		return
	}
	c.setDraftLocked(role, nil)
	msg := draft.snapshot()
	c.mu.Unlock()
	if msg.Content == "" {
		return
	}
	c.emitFinal(msg)
}

func (c *Chat) draftLocked(role Role) *transcriptDraft {
	if role == RoleUser {
		return c.userDraft
	}
	return c.agentDraft
}

func (c *Chat) setDraftLocked(role Role, draft *transcriptDraft) {
	if role == RoleUser {
		c.userDraft = draft
	} else {
		c.agentDraft = draft
	}
}

func (c *Chat) emitFinal(msg TranscriptMessage) {
	if c.store != nil {
		c.store.Save(msg)
	}
	cb := c.callbacks()
	if cb.OnMessage != nil {
		cb.OnMessage(msg)
	}
}

func (c *Chat) emitSystemMessage(text string) {
	c.emitFinal(TranscriptMessage{
		ID:          uuid.NewString(),
		Role:        RoleSystem,
		Content:     text,
		TimestampMs: time.Now().UnixMilli(),
	})
}

func (c *Chat) notifyState() {
	cb := c.callbacks()
	if cb.OnStateChange != nil {
		cb.OnStateChange(c.State())
	}
}

// environmentLoop reacts to host lifecycle signals: the session suspends
// while the app is hidden or offline and resumes when it comes back, and
// device changes restart capture.
func (c *Chat) environmentLoop() {
	defer close(c.envDone)
	for ev := range c.env.Events() {
		switch ev {
		case EnvHidden, EnvOffline:
			c.logger.Info("environment signal", zap.String("event", ev.String()))
			if c.input != nil {
				c.input.Pause()
			}
			if c.output != nil {
				c.output.Pause()
			}
			c.session.Suspend(ev.String())
		case EnvVisible, EnvOnline:
			c.logger.Info("environment signal", zap.String("event", ev.String()))
			c.session.Resume()
			if c.output != nil {
				c.output.Resume()
			}
			c.mu.Lock()
			resumeMic := !c.muted && !c.agentSpeaking
			c.mu.Unlock()
			if resumeMic && c.input != nil {
				c.input.Resume()
			}
		case EnvDeviceChange:
			if c.input != nil {
				c.input.HandleDeviceChange()
			}
		}
		c.notifyState()
	}
}
