package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pkg "github.com/bt-bridge/voicewire"
	"github.com/bt-bridge/voicewire/shared"
	"github.com/bt-bridge/voicewire/tools"
	"go.uber.org/zap"
)

// CLIAgent runs one voice conversation on the terminal: microphone in,
// speakers out, transcripts rendered through the printer as they stream.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	chat    *pkg.Chat
	speaker *tools.SpeakerSink
	signals *pkg.SignalBus

	mu        sync.Mutex
	partialID string
	closed    bool
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg pkg.Config,
	printer *shared.Printer,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.logger.Info("spawning CLI agent")
	if err := a.printer.Writeln("🤖 Starting voice conversation...\n", 0); err != nil {
		a.logger.Error("printing startup message", err)
	}

	// Accessing the microphone
	if err := a.printer.Writeln("🎤 Accessing microphone...", 0); err != nil {
		a.logger.Error("printing microphone access message", err)
	}
	mic := tools.NewMicrophoneSource(a.logger, cfg.InputSampleRate, cfg.PreferLowLatencyCapture)

	// Opening the output device
	if err := a.printer.Writeln("🔈 Opening output device...", 0); err != nil {
		a.logger.Error("printing output device message", err)
	}
	speaker, err := tools.NewSpeakerSink(a.logger, cfg.OutputSampleRate, cfg.StartBufferMs)
	if err != nil {
		a.logger.Error("opening output device", err)
		if perr := a.printer.Writeln("❌ Unable to open the audio output device.\n", 0); perr != nil {
			a.logger.Error("printing output device failure message", perr)
		}
		return nil, err
	}
	a.speaker = speaker
	a.signals = pkg.NewSignalBus()

	chat, err := pkg.NewChat(a.logger, cfg, pkg.ChatOptions{
		Capture:     mic,
		Playback:    speaker,
		Environment: a.signals,
	})
	if err != nil {
		a.logger.Error("creating chat", err)
		return nil, err
	}
	a.chat = chat
	chat.SetCallbacks(pkg.ChatCallbacks{
		OnMessage:     a.renderMessage,
		OnPartial:     a.renderPartial,
		OnStateChange: a.renderState,
		OnError:       a.renderError,
	})

	a.logger.Info("connecting session")
	if err := a.printer.Writeln("📡 Connecting...\n", 0); err != nil {
		a.logger.Error("printing connect message", err)
	}
	chat.Connect()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		if err := a.Close(); err != nil {
			a.logger.Error("closing CLI agent", err)
		}
	}()
	return done, nil
}

// SendText submits a typed user turn.
func (a *CLIAgent) SendText(text string) error {
	if a.chat == nil {
		return shared.ErrNotConnected
	}
	return a.chat.SendText(text)
}

// SetMuted toggles the microphone.
func (a *CLIAgent) SetMuted(muted bool) {
	if a.chat != nil {
		a.chat.SetMuted(muted)
	}
}

// Signals exposes the environment bus so the host process can forward
// visibility, network and device events.
func (a *CLIAgent) Signals() *pkg.SignalBus {
	return a.signals
}

func (a *CLIAgent) renderMessage(msg pkg.TranscriptMessage) {
	a.mu.Lock()
	openPartial := a.partialID == msg.ID
	a.partialID = ""
	a.mu.Unlock()

	var err error
	if openPartial {
		err = a.printer.Writeln("", 0)
	} else {
		prefix := rolePrefix(msg.Role)
		err = a.printer.Writeln(fmt.Sprintf("%s %s", prefix, msg.Content), 0)
	}
	if err != nil {
		a.logger.Error("printing transcript message", err)
	}
}

func (a *CLIAgent) renderPartial(msg pkg.TranscriptMessage) {
	a.mu.Lock()
	isNew := a.partialID != msg.ID
	a.partialID = msg.ID
	a.mu.Unlock()

	// Streaming rendering: carriage return rewrites the open line.
	line := fmt.Sprintf("\r%s %s", rolePrefix(msg.Role), msg.Content)
	if isNew {
		line = fmt.Sprintf("%s %s", rolePrefix(msg.Role), msg.Content)
	}
	if err := a.printer.Write(line, 0); err != nil {
		a.logger.Error("printing partial transcript", err)
	}
}

func (a *CLIAgent) renderState(state pkg.ChatState) {
	a.logger.Debug(
		"chat state changed",
		zap.String("session", state.Session.String()),
		zap.Bool("listening", state.Listening),
		zap.Bool("agentSpeaking", state.AgentSpeaking),
		zap.Bool("muted", state.Muted),
	)
}

func (a *CLIAgent) renderError(err error) {
	a.logger.Error("conversation error", err)
	if perr := a.printer.Writeln(fmt.Sprintf("\n⚠️  %v", err), 0); perr != nil {
		a.logger.Error("printing conversation error", perr)
	}
}

func rolePrefix(role pkg.Role) string {
	switch role {
	case pkg.RoleUser:
		return "🧑"
	case pkg.RoleAgent:
		return "🤖"
	default:
		return "ℹ️ "
	}
}

func (a *CLIAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.chat != nil {
		a.chat.Close()
	}
	a.logger.Info("CLI agent closed")
	return nil
}
