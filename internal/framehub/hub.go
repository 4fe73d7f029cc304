package framehub

import (
	"sync"
	"sync/atomic"

	"screenrelay/internal/metrics"
	"screenrelay/pkg/models"
)

// Hub fans decoded frames out to in-process consumers. It is the host
// receiver's sink.
type Hub struct {
	metrics *metrics.Metrics

	mu          sync.RWMutex
	subscribers []chan *models.VideoFrame
	closed      bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty hub
func New(m *metrics.Metrics) *Hub {
	return &Hub{metrics: m}
}

// OnFrame publishes frame to all subscribers without blocking. Each
// subscriber gets its own reference; a full subscriber misses the frame.
// The caller's reference is released.
func (h *Hub) OnFrame(frame *models.VideoFrame) {
	defer frame.Release()
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		frame.Retain()
		select {
		case ch <- frame:
		default:
			// Channel is full, drop frame
			frame.Release()
			h.dropped.Add(1)
			h.metrics.RecordFrameDropped(metrics.DropSubscriber)
		}
	}
}

// Subscribe returns a channel of frames and a cleanup function. The
// subscriber must Release every frame it receives. The channel is closed
// by cleanup or Close; frames queued before that stay readable.
func (h *Hub) Subscribe(bufferSize int) (<-chan *models.VideoFrame, func()) {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	ch := make(chan *models.VideoFrame, bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subscribers = append(h.subscribers, ch)
	h.mu.Unlock()
	h.metrics.RecordSubscriberAdded()

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(ch) })
	}
}

func (h *Hub) unsubscribe(ch chan *models.VideoFrame) {
	h.mu.Lock()
	found := false
	for i, sub := range h.subscribers {
		if sub == ch {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			close(ch)
			found = true
			break
		}
	}
	h.mu.Unlock()

	if found {
		h.metrics.RecordSubscriberRemoved()
	}
}

// Close closes every subscriber channel. Frames already queued stay
// readable.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subscribers {
		close(ch)
		h.metrics.RecordSubscriberRemoved()
	}
	h.subscribers = nil
}

// SubscriberCount returns the number of active subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Published counts frames passed to OnFrame
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Dropped counts per-subscriber drops
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
