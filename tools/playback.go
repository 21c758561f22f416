package tools

import (
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voicewire"
	"github.com/bt-bridge/voicewire/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// SpeakerSink renders scheduled PCM batches through the default output
// device and implements voicewire.PlaybackSink. The oto player pulls from
// an internal byte buffer; contiguous appends keep adjacent batches
// gapless, and silence is returned while the buffer is empty so the
// player never starves.
type SpeakerSink struct {
	logger     shared.LoggerAdapter
	otoCtx     *oto.Context
	sampleRate int

	mu      sync.Mutex
	player  *oto.Player
	buf     []byte
	playing bool
	closed  bool
}

var _ voicewire.PlaybackSink = (*SpeakerSink)(nil)

func NewSpeakerSink(logger shared.LoggerAdapter, sampleRate, bufferMs int) (*SpeakerSink, error) {
	if bufferMs <= 0 {
		bufferMs = 100
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(bufferMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: initializing output device: %v", shared.ErrPlaybackUnavailable, err)
	}
	<-ready
	return &SpeakerSink{
		logger:     logger,
		otoCtx:     otoCtx,
		sampleRate: sampleRate,
	}, nil
}

// Schedule appends one batch to the playback buffer. Batches at a rate
// other than the device rate are resampled first. StartAt ordering is
// already enforced upstream; appending preserves it.
func (s *SpeakerSink) Schedule(batch voicewire.PCMBatch) error {
	pcm := batch.PCM
	if batch.SampleRate != s.sampleRate {
		samples := voicewire.PCM16ToFloat32(pcm)
		pcm = voicewire.Float32ToPCM16(voicewire.ResampleBlockAverage(samples, batch.SampleRate, s.sampleRate))
		s.logger.Debug("resampling playback batch",
			zap.Int("from", batch.SampleRate),
			zap.Int("to", s.sampleRate),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return shared.ErrPlaybackUnavailable
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	return nil
}

// Read feeds the oto player. Silence keeps the device running while the
// buffer is empty.
func (s *SpeakerSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		clear(p)
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Stop discards buffered audio and tears the player down so nothing
// already handed to the device keeps playing.
func (s *SpeakerSink) Stop() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	player := s.player
	s.player = nil
	s.playing = false
	s.mu.Unlock()

	if player != nil {
		player.Pause()
		_ = player.Close()
	}
}

func (s *SpeakerSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
