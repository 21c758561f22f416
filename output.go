package voicewire

import (
	"sync"
	"time"

	"github.com/bt-bridge/voicewire/shared"
	"go.uber.org/zap"
)

// PCMBatch is a contiguous run of same-rate PCM handed to the playback
// sink as one scheduled buffer.
type PCMBatch struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
	StartAt    time.Time
}

// PlaybackSink renders scheduled PCM batches. Stop hard-stops anything
// in flight; scheduled-but-unplayed audio is discarded.
type PlaybackSink interface {
	Schedule(batch PCMBatch) error
	Stop()
	Close() error
}

// OutputStats is a read-only snapshot of the output pipeline.
type OutputStats struct {
	Playing          bool
	Queue            QueueStats
	ScheduledBatches int64
	ScheduledMs      float64
}

// OutputPipeline turns incoming audio chunks into gapless playback.
// Consecutive same-rate chunks coalesce into one batch; each batch is
// scheduled at the running end of the previous one, with a short pre-roll
// buffer ahead of the first batch so scheduling jitter cannot cause an
// audible gap.
type OutputPipeline struct {
	logger shared.LoggerAdapter
	cfg    Config
	sink   PlaybackSink
	tel    *telemetry
	queue  *chunkQueue
	now    func() time.Time

	mu               sync.Mutex
	onComplete       func()
	playing          bool
	paused           bool
	runningEnd       time.Time
	graceTimer       *time.Timer
	scheduledBatches int64
	scheduledMs      float64
}

func NewOutputPipeline(logger shared.LoggerAdapter, cfg Config, sink PlaybackSink) *OutputPipeline {
	return &OutputPipeline{
		logger: logger,
		cfg:    cfg,
		sink:   sink,
		tel:    newTelemetry(nil),
		queue:  newChunkQueue(cfg.OutputQueue.MaxQueueMs, cfg.OutputQueue.MaxQueueChunks, cfg.OutputQueue.DropPolicy),
		now:    time.Now,
	}
}

// SetCompleteHandler replaces the handler invoked when playback drains.
// The handler fires once per playback run, after a short grace window
// past the last scheduled sample.
func (o *OutputPipeline) SetCompleteHandler(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onComplete = fn
}

func (o *OutputPipeline) setTelemetry(tel *telemetry) {
	o.mu.Lock()
	old := o.tel
	o.tel = tel
	o.mu.Unlock()
	old.close()
}

// EnqueueAudio admits one chunk of raw PCM16 at the given rate and
// schedules whatever the bounded queue holds.
func (o *OutputPipeline) EnqueueAudio(payload []byte, sampleRate int) error {
	if o.sink == nil {
		return shared.ErrPlaybackUnavailable
	}
	if len(payload) == 0 || sampleRate <= 0 {
		return nil
	}
	chunk := AudioChunk{
		Payload:    payload,
		SampleRate: sampleRate,
		DurationMs: PCM16DurationMs(len(payload), sampleRate),
		MimeType:   PCMMimeType(sampleRate),
	}
	if drop := o.queue.Push(chunk); drop != nil {
		o.tel.emit(TelemetryQueueOverflow, map[string]any{
			"queue":      "playback",
			"chunks":     drop.Chunks,
			"durationMs": drop.DurationMs,
			"depth":      drop.Depth,
			"depthMs":    drop.DepthMs,
		})
		o.logger.Debug(
			"playback queue overflow",
			zap.Int("dropped", drop.Chunks),
			zap.Float64("droppedMs", drop.DurationMs),
		)
	}
	o.schedule()
	return nil
}

// StopPlayback hard-stops in-flight audio and clears everything queued.
// Used for barge-in; no completion callback fires.
func (o *OutputPipeline) StopPlayback() {
	o.mu.Lock()
	o.queue.Clear()
	o.playing = false
	o.runningEnd = time.Time{}
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	sink := o.sink
	o.mu.Unlock()
	if sink != nil {
		sink.Stop()
	}
}

// ClearQueue discards queued chunks without touching in-flight audio.
func (o *OutputPipeline) ClearQueue() {
	o.queue.Clear()
}

// Pause hard-stops playback and suppresses scheduling until Resume.
func (o *OutputPipeline) Pause() {
	o.mu.Lock()
	o.paused = true
	o.playing = false
	o.runningEnd = time.Time{}
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	sink := o.sink
	o.mu.Unlock()
	if sink != nil {
		sink.Stop()
	}
}

// Resume lifts a pause and schedules anything queued in the meantime.
func (o *OutputPipeline) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.schedule()
}

// IsPlaying reports whether scheduled audio has not yet finished.
func (o *OutputPipeline) IsPlaying() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playing
}

// GetStats returns a read-only snapshot.
func (o *OutputPipeline) GetStats() OutputStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OutputStats{
		Playing:          o.playing,
		Queue:            o.queue.Stats(),
		ScheduledBatches: o.scheduledBatches,
		ScheduledMs:      o.scheduledMs,
	}
}

// Close releases the sink. Pending queued audio is discarded.
func (o *OutputPipeline) Close() error {
	o.StopPlayback()
	if o.sink != nil {
		return o.sink.Close()
	}
	return nil
}

// schedule drains the queue into the sink, one same-rate batch at a time.
func (o *OutputPipeline) schedule() {
	for {
		batch, ok := o.nextBatch()
		if !ok {
			return
		}
		o.tel.emit(TelemetryPlaybackBatch, map[string]any{
			"durationMs": batch.Duration.Seconds() * 1000,
			"sampleRate": batch.SampleRate,
		})
		if err := o.sink.Schedule(batch); err != nil {
			o.logger.Error("scheduling playback batch", err,
				zap.Int("sampleRate", batch.SampleRate),
				zap.Duration("duration", batch.Duration))
		}
	}
}

// nextBatch coalesces consecutive same-rate chunks into one batch and
// advances the running end time. A rate change ends the batch so the
// next call starts a fresh one.
func (o *OutputPipeline) nextBatch() (PCMBatch, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paused {
		return PCMBatch{}, false
	}
	first, ok := o.queue.Pop()
	if !ok {
		o.armGraceLocked()
		return PCMBatch{}, false
	}

	pcm := append([]byte(nil), first.Payload...)
	durMs := first.DurationMs
	for {
		next, ok := o.queue.PopSameRate(first.SampleRate)
		if !ok {
			break
		}
		pcm = append(pcm, next.Payload...)
		durMs += next.DurationMs
	}

	now := o.now()
	if !o.playing || o.runningEnd.IsZero() {
		o.runningEnd = now.Add(o.cfg.startBuffer())
	}
	start := o.runningEnd
	if start.Before(now) {
		start = now
	}
	dur := time.Duration(durMs * float64(time.Millisecond))
	o.runningEnd = start.Add(dur)
	o.playing = true
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	o.scheduledBatches++
	o.scheduledMs += durMs

	return PCMBatch{
		PCM:        pcm,
		SampleRate: first.SampleRate,
		Duration:   dur,
		StartAt:    start,
	}, true
}

// armGraceLocked schedules the completion check for a short grace window
// past the last scheduled sample, so a trailing chunk arriving late does
// not produce a spurious completion.
func (o *OutputPipeline) armGraceLocked() {
	if !o.playing || o.graceTimer != nil {
		return
	}
	wait := o.runningEnd.Sub(o.now())
	if wait < 0 {
		wait = 0
	}
	o.graceTimer = time.AfterFunc(wait+o.cfg.playbackGrace(), o.finishIfDrained)
}

func (o *OutputPipeline) finishIfDrained() {
	o.mu.Lock()
	o.graceTimer = nil
	if !o.playing || o.queue.Len() > 0 || o.now().Before(o.runningEnd) {
		o.mu.Unlock()
		return
	}
	o.playing = false
	o.runningEnd = time.Time{}
	cb := o.onComplete
	o.mu.Unlock()
	if cb != nil {
		cb()
	}
}
