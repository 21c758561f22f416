package voicewire

import "sync"

// DropPolicy selects which buffered chunks are discarded when a bounded
// queue would otherwise overflow.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop-oldest"
	DropNewest DropPolicy = "drop-newest"
	DropAll    DropPolicy = "drop-all"
)

// AudioChunk is one unit of framed audio. Payload is 16-bit little-endian
// PCM; ownership transfers into exactly one queue on enqueue.
type AudioChunk struct {
	Payload    []byte
	SampleRate int
	DurationMs float64
	MimeType   string
}

// QueueDrop describes a single overflow event.
type QueueDrop struct {
	Chunks     int
	DurationMs float64
	Depth      int
	DepthMs    float64
}

// QueueStats is a point-in-time snapshot of a bounded queue.
type QueueStats struct {
	Count         int
	DurationMs    float64
	DroppedChunks int64
	DroppedMs     float64
}

// chunkQueue is a FIFO of audio chunks bounded by total duration and count.
// A zero bound means unbounded on that axis. Safe for concurrent use.
type chunkQueue struct {
	mu            sync.Mutex
	items         []AudioChunk
	durationMs    float64
	maxDurationMs float64
	maxCount      int
	policy        DropPolicy
	droppedChunks int64
	droppedMs     float64
}

func newChunkQueue(maxDurationMs float64, maxCount int, policy DropPolicy) *chunkQueue {
	if policy == "" {
		policy = DropOldest
	}
	return &chunkQueue{
		maxDurationMs: maxDurationMs,
		maxCount:      maxCount,
		policy:        policy,
	}
}

// Push enqueues a chunk under the configured drop policy. It returns a
// non-nil QueueDrop when anything was discarded to make room.
func (q *chunkQueue) Push(chunk AudioChunk) *QueueDrop {
	q.mu.Lock()
	defer q.mu.Unlock()

	droppedChunks := 0
	droppedMs := 0.0

	switch q.policy {
	case DropNewest:
		if q.wouldOverflow(chunk) {
			droppedChunks = 1
			droppedMs = chunk.DurationMs
		} else {
			q.append(chunk)
		}
	case DropAll:
		if q.wouldOverflow(chunk) {
			droppedChunks = len(q.items)
			droppedMs = q.durationMs
			q.items = q.items[:0]
			q.durationMs = 0
		}
		q.append(chunk)
	default: // DropOldest
		q.append(chunk)
		for q.overflowing() && len(q.items) > 0 {
			evicted := q.items[0]
			q.items = q.items[1:]
			q.durationMs -= evicted.DurationMs
			droppedChunks++
			droppedMs += evicted.DurationMs
		}
		if q.durationMs < 0 {
			q.durationMs = 0
		}
	}

	if droppedChunks == 0 {
		return nil
	}
	q.droppedChunks += int64(droppedChunks)
	q.droppedMs += droppedMs
	return &QueueDrop{
		Chunks:     droppedChunks,
		DurationMs: droppedMs,
		Depth:      len(q.items),
		DepthMs:    q.durationMs,
	}
}

// Pop dequeues the oldest chunk.
func (q *chunkQueue) Pop() (AudioChunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return AudioChunk{}, false
	}
	chunk := q.items[0]
	q.items = q.items[1:]
	q.durationMs -= chunk.DurationMs
	if q.durationMs < 0 {
		q.durationMs = 0
	}
	return chunk, true
}

// PopSameRate dequeues the oldest chunk only when it matches the given
// sample rate. The playback scheduler uses it to build same-rate batches.
func (q *chunkQueue) PopSameRate(rate int) (AudioChunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].SampleRate != rate {
		return AudioChunk{}, false
	}
	chunk := q.items[0]
	q.items = q.items[1:]
	q.durationMs -= chunk.DurationMs
	if q.durationMs < 0 {
		q.durationMs = 0
	}
	return chunk, true
}

// Clear empties the queue and returns how much was discarded.
func (q *chunkQueue) Clear() (chunks int, durationMs float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	chunks = len(q.items)
	durationMs = q.durationMs
	q.items = q.items[:0]
	q.durationMs = 0
	return chunks, durationMs
}

func (q *chunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *chunkQueue) DurationMs() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.durationMs
}

func (q *chunkQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:         len(q.items),
		DurationMs:    q.durationMs,
		DroppedChunks: q.droppedChunks,
		DroppedMs:     q.droppedMs,
	}
}

func (q *chunkQueue) append(chunk AudioChunk) {
	q.items = append(q.items, chunk)
	q.durationMs += chunk.DurationMs
}

func (q *chunkQueue) wouldOverflow(chunk AudioChunk) bool {
	if q.maxCount > 0 && len(q.items)+1 > q.maxCount {
		return true
	}
	if q.maxDurationMs > 0 && q.durationMs+chunk.DurationMs > q.maxDurationMs {
		return true
	}
	return false
}

func (q *chunkQueue) overflowing() bool {
	if q.maxCount > 0 && len(q.items) > q.maxCount {
		return true
	}
	if q.maxDurationMs > 0 && q.durationMs > q.maxDurationMs {
		return true
	}
	return false
}
