package voicewire

import (
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voicewire/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// messageStore batches finalized transcript messages and upserts them to
// an HTTP endpoint. Writes are best-effort; a failed flush requeues the
// batch once and drops it on the second failure so the conversation never
// blocks on persistence.
type messageStore struct {
	logger   shared.LoggerAdapter
	url      string
	client   *fasthttp.Client
	interval time.Duration

	mu      sync.Mutex
	pending []TranscriptMessage
	retried bool
	closed  bool

	done chan struct{}
	stop chan struct{}
}

func newMessageStore(logger shared.LoggerAdapter, url string, interval time.Duration) *messageStore {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m := &messageStore{
		logger:   logger,
		url:      url,
		client:   &fasthttp.Client{MaxConnsPerHost: 2},
		interval: interval,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go m.flushLoop()
	return m
}

// Save queues one finalized message for the next flush.
func (m *messageStore) Save(msg TranscriptMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending = append(m.pending, msg)
}

func (m *messageStore) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Flush()
		}
	}
}

// Flush pushes the pending batch synchronously.
func (m *messageStore) Flush() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := m.upsert(batch); err != nil {
		m.mu.Lock()
		if !m.retried && !m.closed {
			m.retried = true
			m.pending = append(batch, m.pending...)
			m.mu.Unlock()
			m.logger.Warn("transcript flush failed; will retry", zap.Error(err), zap.Int("messages", len(batch)))
			return
		}
		m.retried = false
		m.mu.Unlock()
		m.logger.Error("transcript flush failed; dropping batch", err, zap.Int("messages", len(batch)))
		return
	}
	m.mu.Lock()
	m.retried = false
	m.mu.Unlock()
	m.logger.Debug("transcript batch flushed", zap.Int("messages", len(batch)))
}

func (m *messageStore) upsert(batch []TranscriptMessage) error {
	body, err := sonic.Marshal(map[string]any{"messages": batch})
	if err != nil {
		return fmt.Errorf("encoding transcript batch: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(m.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := m.client.DoTimeout(req, resp, 5*time.Second); err != nil {
		return fmt.Errorf("posting transcript batch: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("transcript endpoint returned status %d", code)
	}
	return nil
}

// Close flushes once more and stops the loop.
func (m *messageStore) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stop)
	<-m.done
	m.Flush()
}
