package feishu

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/envelope"
	"github.com/memohai/imbridge/internal/fault"
)

const (
	reqTypeChallenge = "url_verification"
	eventMessage     = "im.message.receive_v1"
)

// callback is the outer shape shared by v1 challenges and v2 events.
type callback struct {
	Encrypt   string `json:"encrypt"`
	Type      string `json:"type"`
	Token     string `json:"token"`
	Challenge string `json:"challenge"`
	Header    *struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
}

func (c callback) token() string {
	if c.Header != nil && strings.TrimSpace(c.Header.Token) != "" {
		return strings.TrimSpace(c.Header.Token)
	}
	return strings.TrimSpace(c.Token)
}

func (c callback) eventType() string {
	if c.Header == nil {
		return ""
	}
	return c.Header.EventType
}

// HandleWebhook authenticates an event-subscription callback, answers the
// url_verification challenge and forwards received messages.
//
// A callback is accepted when its X-Lark-Signature verifies against the
// encrypt key, or when its verification token matches cfg.Token. With an
// encrypt key configured the body must be encrypted.
func (a *Adapter) HandleWebhook(ctx context.Context, cfg channel.ChannelConfig, req channel.WebhookRequest, handler channel.InboundHandler) (channel.WebhookResponse, error) {
	if req.Method == http.MethodGet {
		return channel.WebhookResponse{Status: http.StatusOK, ContentType: "text/plain; charset=utf-8", Body: []byte("ok")}, nil
	}
	plain, signed, err := a.open(cfg, req)
	if err != nil {
		return channel.WebhookResponse{}, err
	}
	var cb callback
	if err := json.Unmarshal(plain, &cb); err != nil {
		return channel.WebhookResponse{}, fault.Integrity(Type.String(), "malformed callback payload")
	}
	if err := checkToken(cfg, cb, signed); err != nil {
		return channel.WebhookResponse{}, err
	}

	if cb.Type == reqTypeChallenge {
		body, err := json.Marshal(map[string]string{"challenge": cb.Challenge})
		if err != nil {
			return channel.WebhookResponse{}, err
		}
		return jsonResponse(body), nil
	}
	if cb.eventType() != eventMessage {
		a.logger.Debug("callback ignored", slog.String("config_id", cfg.ID), slog.String("event_type", cb.eventType()))
		return jsonResponse([]byte("{}")), nil
	}

	var event larkim.P2MessageReceiveV1
	if err := json.Unmarshal(plain, &event); err != nil {
		return channel.WebhookResponse{}, fault.Integrity(Type.String(), "malformed message event")
	}
	msg := extractInbound(&event, cfg, cfg.ReceiverID)
	if msg.Message.IsEmpty() {
		a.logger.Info("inbound ignored empty payload", slog.String("config_id", cfg.ID), slog.String("message_id", msg.Message.ID))
		return jsonResponse([]byte("{}")), nil
	}
	a.logger.Info("inbound received",
		slog.String("config_id", cfg.ID),
		slog.String("message_id", msg.Message.ID),
		slog.String("chat_type", msg.Conversation.Type),
		slog.Int("attachments", len(msg.Message.Attachments)),
	)
	if handler != nil {
		if err := handler(ctx, cfg, msg); err != nil {
			a.logger.Error("inbound handle failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		}
	}
	return jsonResponse([]byte("{}")), nil
}

// open verifies the signature when present and decrypts the body. It
// reports whether the body was authenticated by signature.
func (a *Adapter) open(cfg channel.ChannelConfig, req channel.WebhookRequest) ([]byte, bool, error) {
	var outer struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(req.Body, &outer); err != nil {
		return nil, false, fault.Integrity(Type.String(), "malformed callback body")
	}
	key := strings.TrimSpace(cfg.EncryptKey)
	if key == "" {
		if outer.Encrypt != "" {
			return nil, false, fault.Integrity(Type.String(), "encrypted callback without encrypt_key")
		}
		return req.Body, false, nil
	}
	codec := envelope.NewFeishuCodec(key)
	signed := false
	if sig := req.Header.Get(envelope.HeaderLarkSignature); sig != "" {
		ts := req.Header.Get(envelope.HeaderLarkTimestamp)
		nonce := req.Header.Get(envelope.HeaderLarkNonce)
		if err := codec.VerifySignature(ts, nonce, req.Body, sig); err != nil {
			return nil, false, err
		}
		signed = true
	}
	if strings.TrimSpace(outer.Encrypt) == "" {
		return nil, false, fault.Integrity(Type.String(), "callback body is not encrypted")
	}
	plain, err := codec.Decrypt(outer.Encrypt)
	if err != nil {
		return nil, false, err
	}
	return plain, signed, nil
}

// checkToken compares the verification token when one is configured and
// requires it for callbacks that carry no signature.
func checkToken(cfg channel.ChannelConfig, cb callback, signed bool) error {
	expected := strings.TrimSpace(cfg.Token)
	if expected == "" {
		if signed {
			return nil
		}
		return fault.Signature(Type.String())
	}
	if subtle.ConstantTimeCompare([]byte(cb.token()), []byte(expected)) != 1 {
		return fault.Signature(Type.String())
	}
	return nil
}

func jsonResponse(body []byte) channel.WebhookResponse {
	return channel.WebhookResponse{Status: http.StatusOK, ContentType: "application/json", Body: body}
}
