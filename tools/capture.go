package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bt-bridge/voicewire"
	"github.com/bt-bridge/voicewire/shared"
	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

const (
	capturePeriodMs           = 20
	capturePeriodMsLowLatency = 10
	captureChannels           = 1
)

// MicrophoneSource captures mono 16-bit PCM from the default input device
// and implements voicewire.CaptureSource. Each device callback becomes one
// CaptureBuffer; a slow consumer drops buffers instead of stalling the
// audio thread.
type MicrophoneSource struct {
	logger     shared.LoggerAdapter
	sampleRate int
	lowLatency bool

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	out      chan voicewire.CaptureBuffer
	running  bool
}

var _ voicewire.CaptureSource = (*MicrophoneSource)(nil)

func NewMicrophoneSource(logger shared.LoggerAdapter, sampleRate int, lowLatency bool) *MicrophoneSource {
	return &MicrophoneSource{
		logger:     logger,
		sampleRate: sampleRate,
		lowLatency: lowLatency,
	}
}

func (m *MicrophoneSource) Start(ctx context.Context) (<-chan voicewire.CaptureBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil, shared.ErrAlreadyListening
	}

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: initializing audio context: %v", shared.ErrCaptureUnavailable, err)
	}

	periodMs := capturePeriodMs
	if m.lowLatency {
		periodMs = capturePeriodMsLowLatency
	}
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = captureChannels
	deviceConfig.SampleRate = uint32(m.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(periodMs)

	out := make(chan voicewire.CaptureBuffer, 8)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.deliver(input, out)
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		return nil, fmt.Errorf("%w: %v", mapDeviceError(err), err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		return nil, fmt.Errorf("%w: starting device: %v", shared.ErrMicBusy, err)
	}

	m.malgoCtx = malgoCtx
	m.device = device
	m.out = out
	m.running = true
	m.logger.Info("microphone capture started",
		zap.Int("sampleRate", m.sampleRate),
		zap.Int("periodMs", periodMs),
	)

	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()
	return out, nil
}

// deliver copies one device period off the audio thread. Must never block.
func (m *MicrophoneSource) deliver(input []byte, out chan voicewire.CaptureBuffer) {
	m.mu.Lock()
	running := m.running && m.out == out
	m.mu.Unlock()
	if !running || len(input) == 0 {
		return
	}
	buf := voicewire.CaptureBuffer{
		Samples:    voicewire.PCM16ToFloat32(input),
		SampleRate: m.sampleRate,
	}
	select {
	case out <- buf:
	default:
	}
}

func (m *MicrophoneSource) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	device := m.device
	malgoCtx := m.malgoCtx
	out := m.out
	m.device = nil
	m.malgoCtx = nil
	m.out = nil
	m.mu.Unlock()

	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
	if malgoCtx != nil {
		_ = malgoCtx.Uninit()
	}
	close(out)
	m.logger.Info("microphone capture stopped")
	return nil
}

// mapDeviceError translates a device init failure into the sentinel the
// engine reports to hosts.
func mapDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return shared.ErrMicPermission
	case strings.Contains(msg, "no device"), strings.Contains(msg, "device type not supported"):
		return shared.ErrMicNotFound
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return shared.ErrMicBusy
	case strings.Contains(msg, "format"), strings.Contains(msg, "not supported"):
		return shared.ErrMicConstraints
	default:
		return shared.ErrCaptureUnavailable
	}
}
