package voicewire

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Wire frame shapes exchanged with the remote speech service. Inbound and
// outbound frames are single-key JSON envelopes; exactly one field of each
// frame struct is expected to be set.

// ServerFrame is one inbound message from the remote service.
type ServerFrame struct {
	SetupComplete           *SetupComplete           `json:"setupComplete,omitempty"`
	SessionResumptionUpdate *SessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	GoAway                  *GoAway                  `json:"goAway,omitempty"`
	ServerContent           *ServerContent           `json:"serverContent,omitempty"`
}

type SetupComplete struct{}

// SessionResumptionUpdate carries the opaque handle that lets a future
// connection continue this conversation's server-side state.
type SessionResumptionUpdate struct {
	Resumable bool   `json:"resumable"`
	NewHandle string `json:"newHandle,omitempty"`
}

// GoAway announces that the server will drop the connection soon.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// TimeLeftDuration parses the announced cutoff, e.g. "10s" or "9.5s".
func (g *GoAway) TimeLeftDuration() (time.Duration, error) {
	raw := strings.TrimSpace(g.TimeLeft)
	if raw == "" {
		return 0, errors.New("goAway frame has no timeLeft")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing goAway timeLeft %q: %w", raw, err)
	}
	return d, nil
}

type ServerContent struct {
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	ModelTurn           *ModelTurn     `json:"modelTurn,omitempty"`
}

type Transcription struct {
	Text string `json:"text"`
}

type ModelTurn struct {
	Parts []Part `json:"parts,omitempty"`
}

// Part carries either inline audio (mime type encodes the sample rate as
// audio/pcm;rate=<N>) or text.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ClientFrame is one outbound message to the remote service.
type ClientFrame struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ClientContent *ClientContent `json:"clientContent,omitempty"`
}

// Setup opens (or resumes) a conversation on a fresh connection.
type Setup struct {
	Model             string             `json:"model,omitempty"`
	SessionResumption *SessionResumption `json:"sessionResumption,omitempty"`
}

type SessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

type RealtimeInput struct {
	Audio          *Blob `json:"audio,omitempty"`
	AudioStreamEnd bool  `json:"audioStreamEnd,omitempty"`
}

type ClientContent struct {
	Turns        []Turn `json:"turns,omitempty"`
	TurnComplete bool   `json:"turnComplete,omitempty"`
}

type Turn struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// DecodeServerFrame parses one inbound wire payload.
func DecodeServerFrame(data []byte) (*ServerFrame, error) {
	frame := new(ServerFrame)
	if err := sonic.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("decoding server frame: %w", err)
	}
	return frame, nil
}

// EncodeClientFrame serializes one outbound wire payload.
func EncodeClientFrame(frame *ClientFrame) ([]byte, error) {
	if frame == nil {
		return nil, errors.New("nil client frame")
	}
	data, err := sonic.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding client frame: %w", err)
	}
	return data, nil
}

// AudioInputFrame builds the realtimeInput frame for one captured chunk.
func AudioInputFrame(chunk AudioChunk) *ClientFrame {
	return &ClientFrame{
		RealtimeInput: &RealtimeInput{
			Audio: &Blob{
				MimeType: chunk.MimeType,
				Data:     EncodeAudioBase64(chunk.Payload),
			},
		},
	}
}

// AudioStreamEndFrame marks the end of the microphone stream.
func AudioStreamEndFrame() *ClientFrame {
	return &ClientFrame{RealtimeInput: &RealtimeInput{AudioStreamEnd: true}}
}

// TurnCompleteFrame marks the end of the user's turn without content.
// Used when the client, not the server, decides turn boundaries.
func TurnCompleteFrame() *ClientFrame {
	return &ClientFrame{ClientContent: &ClientContent{TurnComplete: true}}
}

// TextTurnFrame builds a complete user text turn.
func TextTurnFrame(text string) *ClientFrame {
	return &ClientFrame{
		ClientContent: &ClientContent{
			Turns:        []Turn{{Role: "user", Parts: []Part{{Text: text}}}},
			TurnComplete: true,
		},
	}
}
