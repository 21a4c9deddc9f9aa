package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 64

// Hub fans normalized inbound messages out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the message.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan InboundMessage
	buffer int
	logger *slog.Logger
}

// NewHub creates a Hub whose subscribers buffer up to buffer messages.
func NewHub(log *slog.Logger, buffer int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   map[string]chan InboundMessage{},
		buffer: buffer,
		logger: log.With(slog.String("service", "hub")),
	}
}

// Subscribe registers a subscriber. The returned cancel func removes it and
// closes the channel.
func (h *Hub) Subscribe() (string, <-chan InboundMessage, func()) {
	id := uuid.NewString()
	ch := make(chan InboundMessage, h.buffer)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return id, ch, cancel
}

// Publish delivers msg to every subscriber and returns how many received it.
func (h *Hub) Publish(msg InboundMessage) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for id, ch := range h.subs {
		select {
		case ch <- msg:
			delivered++
		default:
			h.logger.Warn("subscriber buffer full, message dropped",
				slog.String("subscriber_id", id),
				slog.String("channel", msg.Channel.String()),
				slog.String("account_id", msg.AccountID),
				slog.String("message_id", msg.Message.ID))
		}
	}
	return delivered
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Handler adapts the hub into an InboundHandler for receivers.
func (h *Hub) Handler() InboundHandler {
	return func(_ context.Context, cfg ChannelConfig, msg InboundMessage) error {
		if msg.Channel == "" {
			msg.Channel = cfg.ChannelType
		}
		if msg.AccountID == "" {
			msg.AccountID = cfg.ID
		}
		if msg.RouteKey == "" {
			msg.RouteKey = msg.RoutingKey()
		}
		if h.Publish(msg) == 0 {
			h.logger.Debug("inbound message has no subscribers",
				slog.String("channel", msg.Channel.String()),
				slog.String("account_id", msg.AccountID))
		}
		return nil
	}
}
