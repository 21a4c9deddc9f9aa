package channel

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestHubFanOut(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, 4)
	_, first, cancelFirst := hub.Subscribe()
	_, second, cancelSecond := hub.Subscribe()
	defer cancelSecond()

	if got := hub.Publish(InboundMessage{Message: Message{ID: "1"}}); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
	if msg := <-first; msg.Message.ID != "1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg := <-second; msg.Message.ID != "1" {
		t.Fatalf("unexpected message %+v", msg)
	}

	cancelFirst()
	cancelFirst()
	if _, ok := <-first; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", hub.Subscribers())
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	hub := NewHub(log, 1)
	_, ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(InboundMessage{Message: Message{ID: "1"}})
	if got := hub.Publish(InboundMessage{Message: Message{ID: "2"}}); got != 0 {
		t.Fatalf("expected drop, got %d deliveries", got)
	}
	if msg := <-ch; msg.Message.ID != "1" {
		t.Fatalf("expected first message to be kept, got %+v", msg)
	}
	if !strings.Contains(buf.String(), "message dropped") {
		t.Fatalf("expected drop to be logged, got %q", buf.String())
	}
}

func TestHubHandlerFillsAccountFields(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, 1)
	_, ch, cancel := hub.Subscribe()
	defer cancel()

	cfg := ChannelConfig{ID: "acc", ChannelType: ChannelWeComApp}
	msg := InboundMessage{Conversation: Conversation{ID: "u1", Type: ConversationP2P}}
	if err := hub.Handler()(context.Background(), cfg, msg); err != nil {
		t.Fatalf("handler: %v", err)
	}
	got := <-ch
	if got.Channel != ChannelWeComApp || got.AccountID != "acc" || got.RouteKey != "wecomapp:acc:u1" {
		t.Fatalf("unexpected message %+v", got)
	}
}
