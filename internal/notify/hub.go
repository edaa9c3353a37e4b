// internal/notify/hub.go
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netlogger/api/schemas"
)

// Hub fans notifications out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the notification.
type Hub struct {
	logger     *zap.Logger
	bufferSize int
	now        func() time.Time

	mu          sync.RWMutex
	subscribers map[chan schemas.Notification]map[schemas.NotificationType]struct{}
	isShutdown  bool

	dropped atomic.Int64
}

// NewHub creates a hub whose subscriber channels hold bufferSize notifications.
func NewHub(logger *zap.Logger, bufferSize int) *Hub {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Hub{
		logger:      logger.Named("notify_hub"),
		bufferSize:  bufferSize,
		now:         time.Now,
		subscribers: make(map[chan schemas.Notification]map[schemas.NotificationType]struct{}),
	}
}

// Publish stamps n with an ID and timestamp when missing and offers it to every
// subscriber interested in its type.
func (h *Hub) Publish(n schemas.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now().UTC()
	}

	// Sends happen under the read lock so unsubscribe cannot close a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.isShutdown {
		return
	}
	for ch, types := range h.subscribers {
		if len(types) > 0 {
			if _, ok := types[n.Type]; !ok {
				continue
			}
		}
		select {
		case ch <- n:
		default:
			h.dropped.Add(1)
			h.logger.Debug("Subscriber buffer full; dropping notification.",
				zap.String("type", string(n.Type)), zap.String("id", n.ID))
		}
	}
}

// Subscribe returns a channel receiving notifications of the given types, or of
// every type when none are given. The channel is closed by unsubscribe or Shutdown.
func (h *Hub) Subscribe(types ...schemas.NotificationType) (<-chan schemas.Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan schemas.Notification, h.bufferSize)
	if h.isShutdown {
		close(ch)
		return ch, func() {}
	}

	filter := make(map[schemas.NotificationType]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}
	h.subscribers[ch] = filter

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subscribers[ch]; ok {
				delete(h.subscribers, ch)
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Shutdown closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isShutdown {
		return
	}
	h.isShutdown = true
	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[chan schemas.Notification]map[schemas.NotificationType]struct{})
	h.logger.Info("Notification hub shut down.", zap.Int64("dropped", h.dropped.Load()))
}
