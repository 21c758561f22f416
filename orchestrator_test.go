package voicewire

import (
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/voicewire/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transcriptRecorder struct {
	mu       sync.Mutex
	finals   []TranscriptMessage
	partials []TranscriptMessage
}

func (r *transcriptRecorder) callbacks() ChatCallbacks {
	return ChatCallbacks{
		OnMessage: func(msg TranscriptMessage) {
			r.mu.Lock()
			r.finals = append(r.finals, msg)
			r.mu.Unlock()
		},
		OnPartial: func(msg TranscriptMessage) {
			r.mu.Lock()
			r.partials = append(r.partials, msg)
			r.mu.Unlock()
		},
	}
}

func (r *transcriptRecorder) finalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finals)
}

func (r *transcriptRecorder) final(i int) TranscriptMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finals[i]
}

func (r *transcriptRecorder) partialCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partials)
}

func newTestChat(t *testing.T, cfg Config, opts ChatOptions) (*Chat, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	chat, err := NewChat(shared.NewNopLogger(), cfg, opts)
	require.NoError(t, err)
	chat.session.setDialer(dialer.dial)
	t.Cleanup(chat.Close)
	return chat, dialer
}

func testChatConfig() Config {
	cfg := testSessionConfig()
	cfg.AutoStartMicOnConnect = false
	cfg.MicResumeDelayMs = 1
	cfg.PlaybackGraceMs = 1
	cfg.StartBufferMs = 0
	return cfg
}

func TestChatAssemblesStreamedTranscription(t *testing.T) {
	rec := &transcriptRecorder{}
	chat, dialer := newTestChat(t, testChatConfig(), ChatOptions{})
	chat.SetCallbacks(rec.callbacks())

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "connected")

	conn := dialer.conn(0)
	conn.pushFrame(`{"serverContent":{"inputTranscription":{"text":"Hello "}}}`)
	conn.pushFrame(`{"serverContent":{"inputTranscription":{"text":" world"}}}`)
	conn.pushFrame(`{"serverContent":{"outputTranscription":{"text":"Hi!"}}}`)
	conn.pushFrame(`{"serverContent":{"turnComplete":true}}`)

	waitFor(t, func() bool { return rec.finalCount() == 2 }, "both drafts finalized")

	user := rec.final(0)
	assert.Equal(t, RoleUser, user.Role)
	assert.Equal(t, "Hello world", user.Content)
	assert.NotEmpty(t, user.ID)
	assert.NotZero(t, user.TimestampMs)

	agent := rec.final(1)
	assert.Equal(t, RoleAgent, agent.Role)
	assert.Equal(t, "Hi!", agent.Content)

	// Partials streamed ahead of the finals and shared their IDs.
	assert.GreaterOrEqual(t, rec.partialCount(), 3)
	rec.mu.Lock()
	assert.Equal(t, user.ID, rec.partials[0].ID)
	rec.mu.Unlock()
}

func TestChatGenerationCompleteFinalizesAgentDraft(t *testing.T) {
	rec := &transcriptRecorder{}
	chat, dialer := newTestChat(t, testChatConfig(), ChatOptions{})
	chat.SetCallbacks(rec.callbacks())

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "connected")

	// A text-only generation ends without any turnComplete following it.
	conn := dialer.conn(0)
	conn.pushFrame(`{"serverContent":{"outputTranscription":{"text":"Hi there"}}}`)
	conn.pushFrame(`{"serverContent":{"generationComplete":true}}`)

	waitFor(t, func() bool { return rec.finalCount() == 1 }, "agent draft finalized")
	assert.Equal(t, RoleAgent, rec.final(0).Role)
	assert.Equal(t, "Hi there", rec.final(0).Content)
	assert.False(t, chat.State().AgentSpeaking)
}

func TestChatRoutesAgentAudioToPlayback(t *testing.T) {
	sink := &fakeSink{}
	chat, dialer := newTestChat(t, testChatConfig(), ChatOptions{Playback: sink})

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "connected")

	// 20ms of 24kHz silence: 960 bytes, base64 framed.
	audio := EncodeAudioBase64(make([]byte, 960))
	dialer.conn(0).pushFrame(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + audio + `"}}]}}}`)

	waitFor(t, func() bool { return sink.batchCount() == 1 }, "audio scheduled")
	assert.Equal(t, 24000, sink.batch(0).SampleRate)
	assert.Len(t, sink.batch(0).PCM, 960)
}

func TestChatInterruptedStopsPlayback(t *testing.T) {
	sink := &fakeSink{}
	rec := &transcriptRecorder{}
	chat, dialer := newTestChat(t, testChatConfig(), ChatOptions{Playback: sink})
	chat.SetCallbacks(rec.callbacks())

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "connected")

	conn := dialer.conn(0)
	audio := EncodeAudioBase64(make([]byte, 960))
	conn.pushFrame(`{"serverContent":{"outputTranscription":{"text":"I was say"},"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + audio + `"}}]}}}`)
	waitFor(t, func() bool { return sink.batchCount() == 1 }, "audio playing")

	conn.pushFrame(`{"serverContent":{"interrupted":true}}`)
	waitFor(t, func() bool { return rec.finalCount() == 1 }, "agent draft finalized")

	assert.Equal(t, RoleAgent, rec.final(0).Role)
	assert.Equal(t, "I was say", rec.final(0).Content)
	assert.False(t, chat.State().AgentSpeaking)
	sink.mu.Lock()
	stops := sink.stops
	sink.mu.Unlock()
	assert.GreaterOrEqual(t, stops, 1)
}

func TestChatSendTextFinalizesImmediately(t *testing.T) {
	rec := &transcriptRecorder{}
	chat, dialer := newTestChat(t, testChatConfig(), ChatOptions{})
	chat.SetCallbacks(rec.callbacks())

	// Before connecting, text turns are rejected and nothing is recorded.
	assert.ErrorIs(t, chat.SendText("too early"), shared.ErrNotConnected)
	assert.Equal(t, 0, rec.finalCount())

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "connected")

	require.NoError(t, chat.SendText("  hi   there "))
	require.Equal(t, 1, rec.finalCount())
	assert.Equal(t, RoleUser, rec.final(0).Role)
	assert.Equal(t, "hi there", rec.final(0).Content)

	// Empty input is dropped without touching the wire.
	require.NoError(t, chat.SendText("   "))
	assert.Equal(t, 1, rec.finalCount())

	frames := dialer.conn(0).sentFrames(t)
	var texts []string
	for _, frame := range frames {
		if frame.ClientContent != nil {
			require.Len(t, frame.ClientContent.Turns, 1)
			texts = append(texts, frame.ClientContent.Turns[0].Parts[0].Text)
		}
	}
	assert.Equal(t, []string{"hi there"}, texts)
}

func TestChatMuteRemembersListeningState(t *testing.T) {
	capture := &fakeCapture{}
	cfg := testChatConfig()
	cfg.AutoStartMicOnConnect = true
	chat, _ := newTestChat(t, cfg, ChatOptions{Capture: capture})

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Listening }, "mic auto started")

	chat.SetMuted(true)
	waitFor(t, func() bool { return !chat.State().Listening }, "mic stopped on mute")
	assert.True(t, chat.IsMuted())

	chat.SetMuted(false)
	waitFor(t, func() bool { return chat.State().Listening }, "mic restored on unmute")
	assert.False(t, chat.IsMuted())
}

func TestChatMuteWithoutMicStaysOff(t *testing.T) {
	capture := &fakeCapture{}
	chat, _ := newTestChat(t, testChatConfig(), ChatOptions{Capture: capture})

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "connected")
	assert.False(t, chat.State().Listening)

	// The mic was off when muted, so unmuting must not open it.
	chat.SetMuted(true)
	chat.SetMuted(false)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, chat.State().Listening)
}

func TestChatBargeInStopsPlayback(t *testing.T) {
	capture := &fakeCapture{}
	sink := &fakeSink{}
	chat, dialer := newTestChat(t, testChatConfig(), ChatOptions{Capture: capture, Playback: sink})

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "connected")

	audio := EncodeAudioBase64(make([]byte, 960))
	dialer.conn(0).pushFrame(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + audio + `"}}]}}}`)
	waitFor(t, func() bool { return chat.State().AgentSpeaking }, "agent speaking")

	require.NoError(t, chat.StartListening())
	assert.True(t, chat.State().Listening)
	assert.False(t, chat.State().AgentSpeaking)
	sink.mu.Lock()
	stops := sink.stops
	sink.mu.Unlock()
	assert.GreaterOrEqual(t, stops, 1)
}

func TestChatClientVADSendsTurnComplete(t *testing.T) {
	capture := &fakeCapture{}
	cfg := testChatConfig()
	cfg.UseClientVAD = true
	chat, dialer := newTestChat(t, cfg, ChatOptions{Capture: capture})

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "connected")

	require.NoError(t, chat.StartListening())
	chat.StopListening()

	// The stream-end marker goes out first, then the explicit boundary.
	frames := dialer.conn(0).sentFrames(t)
	sawStreamEnd := false
	sawTurnComplete := false
	for _, frame := range frames {
		if frame.RealtimeInput != nil && frame.RealtimeInput.AudioStreamEnd {
			sawStreamEnd = true
		}
		if frame.ClientContent != nil && len(frame.ClientContent.Turns) == 0 && frame.ClientContent.TurnComplete {
			assert.True(t, sawStreamEnd, "turn complete must follow the stream end")
			sawTurnComplete = true
		}
	}
	assert.True(t, sawTurnComplete)

	// Without client VAD, segmentation stays with the server.
	chat2, dialer2 := newTestChat(t, testChatConfig(), ChatOptions{Capture: &fakeCapture{}})
	chat2.Connect()
	waitFor(t, func() bool { return chat2.State().Session == StateConnected }, "connected")
	require.NoError(t, chat2.StartListening())
	chat2.StopListening()
	for _, frame := range dialer2.conn(0).sentFrames(t) {
		if frame.ClientContent != nil {
			assert.NotEmpty(t, frame.ClientContent.Turns)
		}
	}
}

func TestChatEnvironmentSuspendResume(t *testing.T) {
	bus := NewSignalBus()
	chat, dialer := newTestChat(t, testChatConfig(), ChatOptions{Environment: bus})

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "connected")

	bus.Publish(EnvHidden)
	waitFor(t, func() bool { return chat.State().Session == StateDisconnected }, "suspended while hidden")
	assert.Equal(t, 1, dialer.callCount())

	bus.Publish(EnvVisible)
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "resumed when visible")
	assert.Equal(t, 2, dialer.callCount())
}

func TestChatSystemMessages(t *testing.T) {
	rec := &transcriptRecorder{}
	chat, _ := newTestChat(t, testChatConfig(), ChatOptions{})
	chat.SetCallbacks(rec.callbacks())

	chat.emitSystemMessage("Reconnecting...")
	require.Equal(t, 1, rec.finalCount())
	assert.Equal(t, RoleSystem, rec.final(0).Role)
	assert.Equal(t, "Reconnecting...", rec.final(0).Content)
}

func TestChatStatsAggregate(t *testing.T) {
	capture := &fakeCapture{}
	sink := &fakeSink{}
	chat, _ := newTestChat(t, testChatConfig(), ChatOptions{Capture: capture, Playback: sink})

	chat.Connect()
	waitFor(t, func() bool { return chat.State().Session == StateConnected }, "connected")

	stats := chat.GetStats()
	assert.Equal(t, StateConnected, stats.Session.State)
	assert.False(t, stats.Input.Listening)
	assert.False(t, stats.Output.Playing)
}
