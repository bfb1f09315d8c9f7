package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Hub fans encoded messages out to subscribers. Each subscriber owns a
// bounded queue; when it is full the oldest message is dropped so a slow
// reader never blocks the tick loop.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
	nextID    atomic.Uint64
	logger    *slog.Logger
}

func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Hub{
		subs:      make(map[string]*Subscriber),
		queueSize: queueSize,
		logger:    logger.With("component", "hub"),
	}
}

type Subscriber struct {
	ID      string
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// Messages yields queued messages in order. It is never closed; select on
// Done as well.
func (s *Subscriber) Messages() <-chan []byte {
	return s.queue
}

func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) offer(msg []byte) {
	for {
		select {
		case s.queue <- msg:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}

func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:    fmt.Sprintf("c%d", h.nextID.Add(1)),
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("Subscriber added", "subscriber_id", sub.ID, "subscribers", count)
	return sub
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	count := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.once.Do(func() { close(sub.done) })
	h.logger.Debug("Subscriber removed",
		"subscriber_id", id,
		"subscribers", count,
		"dropped_messages", sub.Dropped(),
	)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.offer(msg)
	}
}

// SendTo queues msg for one subscriber and reports whether it exists.
func (h *Hub) SendTo(id string, msg []byte) bool {
	h.mu.RLock()
	sub, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	sub.offer(msg)
	return true
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
