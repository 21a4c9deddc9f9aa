package channel_test

import (
	"context"
	"testing"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/media"
)

const testChannelType = channel.ChannelType("test")

type plainAdapter struct{}

func (a *plainAdapter) Type() channel.ChannelType { return testChannelType }

func (a *plainAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:           testChannelType,
		DisplayName:    "Test",
		OutboundPolicy: channel.OutboundPolicy{TextChunkLimit: 42},
	}
}

const webhookChannelType = channel.ChannelType("hook")

type webhookAdapter struct{}

func (a *webhookAdapter) Type() channel.ChannelType { return webhookChannelType }

func (a *webhookAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: webhookChannelType, DisplayName: "Hook"}
}

func (a *webhookAdapter) HandleWebhook(context.Context, channel.ChannelConfig, channel.WebhookRequest, channel.InboundHandler) (channel.WebhookResponse, error) {
	return channel.WebhookResponse{Status: 200}, nil
}

func (a *webhookAdapter) Platform(channel.ChannelConfig) (media.Platform, error) {
	return nil, nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	if err := reg.Register(&plainAdapter{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(&plainAdapter{}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if err := reg.Register(nil); err == nil {
		t.Fatalf("expected nil adapter to fail")
	}
}

func TestParseChannelType(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&plainAdapter{})
	ct, err := reg.ParseChannelType("  TEST ")
	if err != nil || ct != testChannelType {
		t.Fatalf("ParseChannelType = (%q, %v)", ct, err)
	}
	if _, err := reg.ParseChannelType("unknown"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestOptionalCapabilities(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&plainAdapter{})
	reg.MustRegister(&webhookAdapter{})

	if _, ok := reg.GetWebhookReceiver(testChannelType); ok {
		t.Fatalf("plain adapter should not be a webhook receiver")
	}
	if _, ok := reg.GetWebhookReceiver(webhookChannelType); !ok {
		t.Fatalf("hook adapter should be a webhook receiver")
	}
	if _, ok := reg.GetReceiver(webhookChannelType); ok {
		t.Fatalf("hook adapter should not be a stream receiver")
	}
	if _, err := reg.Platform(channel.ChannelConfig{ChannelType: testChannelType}); err == nil {
		t.Fatalf("plain adapter cannot send")
	}
	if _, err := reg.Platform(channel.ChannelConfig{ChannelType: webhookChannelType}); err != nil {
		t.Fatalf("hook adapter platform: %v", err)
	}
	policy, ok := reg.GetOutboundPolicy(testChannelType)
	if !ok || policy.TextChunkLimit != 42 {
		t.Fatalf("unexpected policy %+v", policy)
	}
	if got := reg.Types(); len(got) != 2 || got[0] != webhookChannelType {
		t.Fatalf("unexpected types %v", got)
	}
	if !reg.Unregister(testChannelType) || reg.Unregister(testChannelType) {
		t.Fatalf("unregister should succeed exactly once")
	}
}

func TestGenerateRoutingKey(t *testing.T) {
	t.Parallel()

	if got := channel.GenerateRoutingKey("feishu", "acc", "chat", "p2p", "u1"); got != "feishu:acc:chat" {
		t.Fatalf("unexpected p2p key %q", got)
	}
	if got := channel.GenerateRoutingKey("feishu", "acc", "chat", "group", "u1"); got != "feishu:acc:chat:u1" {
		t.Fatalf("unexpected group key %q", got)
	}
	msg := channel.InboundMessage{Channel: channel.ChannelQQBot, AccountID: "a", Conversation: channel.Conversation{ID: "g", Type: "group"}, Sender: channel.Identity{DisplayName: "bob"}}
	if got := msg.RoutingKey(); got != "qqbot:a:g:bob" {
		t.Fatalf("unexpected routing key %q", got)
	}
}

func TestAttachmentAlternatives(t *testing.T) {
	t.Parallel()

	att := channel.Attachment{Type: channel.AttachmentVoice, URL: " https://x/a.mp3 ", Base64: "data:audio/mpeg;base64,AAAA"}
	items := att.Alternatives()
	if len(items) != 2 || items[0].Ref != "https://x/a.mp3" || items[0].Class != media.ClassAudio {
		t.Fatalf("unexpected alternatives %+v", items)
	}
	keyOnly := channel.Attachment{PlatformKey: "img_v2_123", Mime: "image/png"}
	items = keyOnly.Alternatives()
	if len(items) != 1 || items[0].Class != media.ClassImage {
		t.Fatalf("unexpected alternatives %+v", items)
	}
	if (channel.Attachment{}).HasReference() {
		t.Fatalf("empty attachment has no reference")
	}
}

func TestCredential(t *testing.T) {
	t.Parallel()

	robot := channel.ChannelConfig{ChannelType: channel.ChannelWeCom, WebhookKey: "k"}
	if !robot.Credential().IsZero() {
		t.Fatalf("robot account should not carry a credential")
	}
	app := channel.ChannelConfig{ChannelType: channel.ChannelFeishu, AppID: " cli_a ", Secret: "s"}
	cred := app.Credential()
	if cred.Platform != "feishu" || cred.AppID != "cli_a" || cred.Secret != "s" {
		t.Fatalf("unexpected credential %+v", cred)
	}
}
