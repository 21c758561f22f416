package voicewire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voicewire/shared"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Exponentially-weighted smoothing factors for the reported mic level.
const (
	micLevelKeep = 0.8
	micLevelNew  = 0.2
)

// CaptureBuffer is one block of raw samples crossing from the audio
// thread into the engine. Buffers are copies; the audio thread never
// shares mutable memory with the pipeline.
type CaptureBuffer struct {
	Samples    []float32
	SampleRate int
}

// CaptureSource produces microphone sample blocks on a dedicated audio
// goroutine. The returned channel is closed when capture ends.
type CaptureSource interface {
	Start(ctx context.Context) (<-chan CaptureBuffer, error)
	Stop() error
}

// AudioSender is the outbound transport surface the input pipeline needs.
// *SessionController implements it.
type AudioSender interface {
	SendAudio(chunk AudioChunk) error
	SendAudioStreamEnd() error
}

// InputStats is a read-only snapshot of the input pipeline.
type InputStats struct {
	Listening         bool
	MicLevel          float64
	Queue             QueueStats
	SentChunks        int64
	ConsecutiveErrors int
}

// InputPipeline captures microphone audio, converts it to the wire format
// and drains it through a bounded send queue with a minimum send interval.
// A streak of send failures halts capture and surfaces a single fatal
// error; an individual failure only enters a cooldown window.
type InputPipeline struct {
	logger shared.LoggerAdapter
	cfg    Config
	source CaptureSource
	sender AudioSender
	tel    *telemetry
	queue  *chunkQueue

	mu                sync.Mutex
	onFatal           func(error)
	listening         bool
	enabled           bool
	paused            bool
	micLevel          float64
	consecutiveErrors int
	cooldownUntil     time.Time
	sentChunks        int64
	fatalFired        bool
	cancel            context.CancelFunc
	restartTimer      *time.Timer
	kick              chan struct{}

	wg sync.WaitGroup
}

func NewInputPipeline(logger shared.LoggerAdapter, cfg Config, source CaptureSource, sender AudioSender) *InputPipeline {
	return &InputPipeline{
		logger: logger,
		cfg:    cfg,
		source: source,
		sender: sender,
		tel:    newTelemetry(nil),
		queue:  newChunkQueue(cfg.InputQueue.MaxQueueMs, cfg.InputQueue.MaxQueueChunks, cfg.InputQueue.DropPolicy),
	}
}

// SetFatalHandler replaces the handler invoked when capture halts.
func (p *InputPipeline) SetFatalHandler(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFatal = fn
}

func (p *InputPipeline) setTelemetry(tel *telemetry) {
	p.mu.Lock()
	old := p.tel
	p.tel = tel
	p.mu.Unlock()
	old.close()
}

// Start acquires the microphone and begins capture. On failure all
// partially acquired resources are released before the error is returned.
func (p *InputPipeline) Start() error {
	if p.source == nil {
		return shared.ErrCaptureUnavailable
	}
	p.mu.Lock()
	if p.listening {
		p.mu.Unlock()
		return shared.ErrAlreadyListening
	}
	p.enabled = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	buffers, err := p.source.Start(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("starting capture: %w", err)
	}

	var limiter *rate.Limiter
	if interval := p.cfg.minSendInterval(); interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	p.mu.Lock()
	p.listening = true
	p.cancel = cancel
	p.fatalFired = false
	p.consecutiveErrors = 0
	p.cooldownUntil = time.Time{}
	p.kick = make(chan struct{}, 1)
	kick := p.kick
	p.mu.Unlock()

	p.logger.Info("input pipeline listening", zap.Int("wireRate", p.cfg.InputSampleRate))
	p.wg.Add(2)
	go p.captureLoop(ctx, buffers, kick)
	go p.sendLoop(ctx, limiter, kick)
	return nil
}

// Stop releases all capture resources. An end-of-stream marker goes out
// before the device is released.
func (p *InputPipeline) Stop() {
	p.stop(false)
}

func (p *InputPipeline) stop(restarting bool) {
	p.mu.Lock()
	if !restarting {
		p.enabled = false
		if p.restartTimer != nil {
			p.restartTimer.Stop()
			p.restartTimer = nil
		}
	}
	if !p.listening {
		p.mu.Unlock()
		return
	}
	p.listening = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if err := p.sender.SendAudioStreamEnd(); err != nil && !errors.Is(err, shared.ErrNotConnected) {
		p.logger.Warn("sending audio stream end", zap.Error(err))
	}
	if cancel != nil {
		cancel()
	}
	if err := p.source.Stop(); err != nil {
		p.logger.Warn("stopping capture source", zap.Error(err))
	}
	p.wg.Wait()
	p.queue.Clear()

	p.mu.Lock()
	p.micLevel = 0
	p.mu.Unlock()
	p.logger.Info("input pipeline stopped")
}

// Pause keeps the device open but stops enqueuing and sending.
func (p *InputPipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume lifts a pause and kicks the send loop to drain anything queued.
func (p *InputPipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	kick := p.kick
	p.mu.Unlock()
	signalKick(kick)
}

// HandleDeviceChange restarts capture after a settle delay when the
// active input device changed, but only while still enabled.
func (p *InputPipeline) HandleDeviceChange() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cfg.RestartMicOnDeviceChange || !p.enabled {
		return
	}
	if p.restartTimer != nil {
		p.restartTimer.Stop()
	}
	p.restartTimer = time.AfterFunc(p.cfg.deviceSettleDelay(), p.restartCapture)
}

func (p *InputPipeline) restartCapture() {
	p.stop(true)
	p.mu.Lock()
	enabled := p.enabled
	p.mu.Unlock()
	if !enabled {
		return
	}
	p.logger.Info("restarting capture after device change")
	if err := p.Start(); err != nil {
		p.logger.Error("restarting capture", err)
		p.fireFatal(err)
	}
}

// IsListening reports whether capture is active.
func (p *InputPipeline) IsListening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listening
}

// MicLevel returns the smoothed RMS microphone level.
func (p *InputPipeline) MicLevel() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.micLevel
}

// GetStats returns a read-only snapshot.
func (p *InputPipeline) GetStats() InputStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return InputStats{
		Listening:         p.listening,
		MicLevel:          p.micLevel,
		Queue:             p.queue.Stats(),
		SentChunks:        p.sentChunks,
		ConsecutiveErrors: p.consecutiveErrors,
	}
}

func (p *InputPipeline) captureLoop(ctx context.Context, buffers <-chan CaptureBuffer, kick chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-buffers:
			if !ok {
				return
			}
			p.handleCaptureBuffer(buf, kick)
		}
	}
}

func (p *InputPipeline) handleCaptureBuffer(buf CaptureBuffer, kick chan struct{}) {
	level := RMSLevel(buf.Samples)
	p.mu.Lock()
	p.micLevel = p.micLevel*micLevelKeep + level*micLevelNew
	paused := p.paused
	p.mu.Unlock()
	if paused || len(buf.Samples) == 0 {
		return
	}

	wireRate := p.cfg.InputSampleRate
	resampled := ResampleBlockAverage(buf.Samples, buf.SampleRate, wireRate)
	pcm := Float32ToPCM16(resampled)
	chunk := AudioChunk{
		Payload:    pcm,
		SampleRate: wireRate,
		DurationMs: PCM16DurationMs(len(pcm), wireRate),
		MimeType:   PCMMimeType(wireRate),
	}
	if drop := p.queue.Push(chunk); drop != nil {
		p.tel.emit(TelemetryQueueOverflow, map[string]any{
			"queue":      "send",
			"chunks":     drop.Chunks,
			"durationMs": drop.DurationMs,
			"depth":      drop.Depth,
			"depthMs":    drop.DepthMs,
		})
		p.logger.Debug(
			"send queue overflow",
			zap.Int("dropped", drop.Chunks),
			zap.Float64("droppedMs", drop.DurationMs),
		)
	}
	signalKick(kick)
}

func (p *InputPipeline) sendLoop(ctx context.Context, limiter *rate.Limiter, kick chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
		}
		if !p.drainQueue(ctx, limiter) {
			return
		}
	}
}

// drainQueue sends queued chunks until the queue empties or the pipeline
// pauses. It returns false when the loop should exit.
func (p *InputPipeline) drainQueue(ctx context.Context, limiter *rate.Limiter) bool {
	for {
		p.mu.Lock()
		paused := p.paused
		cooldownUntil := p.cooldownUntil
		p.mu.Unlock()
		if paused {
			return true
		}
		if wait := time.Until(cooldownUntil); wait > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(wait):
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return false
			}
		}
		chunk, ok := p.queue.Pop()
		if !ok {
			return true
		}
		if !p.sendChunk(chunk) {
			return false
		}
	}
}

// sendChunk returns false when the pipeline halted on a fatal streak.
func (p *InputPipeline) sendChunk(chunk AudioChunk) bool {
	err := p.sender.SendAudio(chunk)
	p.mu.Lock()
	if err == nil {
		p.consecutiveErrors = 0
		p.sentChunks++
		p.mu.Unlock()
		return true
	}
	if errors.Is(err, shared.ErrNotConnected) {
		// The session controller owns reconnects; back off without
		// counting toward the fatal streak.
		p.cooldownUntil = time.Now().Add(p.cfg.errorCooldown())
		p.mu.Unlock()
		return true
	}
	p.consecutiveErrors++
	streak := p.consecutiveErrors
	p.cooldownUntil = time.Now().Add(p.cfg.errorCooldown())
	p.mu.Unlock()

	p.tel.emit(TelemetrySendError, map[string]any{"streak": streak})
	p.logger.Warn("send failed", zap.Error(err), zap.Int("streak", streak))
	if p.cfg.MaxConsecutiveErrors > 0 && streak >= p.cfg.MaxConsecutiveErrors {
		fatal := fmt.Errorf("%w: %d consecutive send failures", shared.ErrStreamingUnstable, streak)
		p.fireFatal(fatal)
		go p.Stop()
		return false
	}
	return true
}

func (p *InputPipeline) fireFatal(err error) {
	p.mu.Lock()
	if p.fatalFired {
		p.mu.Unlock()
		return
	}
	p.fatalFired = true
	onFatal := p.onFatal
	p.mu.Unlock()
	if onFatal != nil {
		onFatal(err)
	}
}

func signalKick(kick chan struct{}) {
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}
