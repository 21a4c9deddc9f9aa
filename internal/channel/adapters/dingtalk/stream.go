package dingtalk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/logger"

	"github.com/memohai/imbridge/internal/channel"
)

// conversationGroup is the conversationType of group chats; "1" is a
// one-to-one chat.
const conversationGroup = "2"

var sdkLoggerOnce sync.Once

// sdkLogger forwards stream SDK logs to slog. The SDK logger is process
// global, so it is installed once.
type sdkLogger struct {
	logger *slog.Logger
}

func (l *sdkLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *sdkLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *sdkLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *sdkLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// Fatalf logs at error level; the SDK never gets to exit the process.
func (l *sdkLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// Connect opens a stream connection for the robot and forwards chatbot
// callbacks to handler. The SDK reconnects on its own.
func (a *Adapter) Connect(ctx context.Context, cfg channel.ChannelConfig, handler channel.InboundHandler) (channel.Connection, error) {
	if cfg.Credential().IsZero() {
		return nil, fmt.Errorf("dingtalk %s: app_id and secret are required", cfg.ID)
	}
	sdkLoggerOnce.Do(func() {
		logger.SetLogger(&sdkLogger{logger: a.logger.With(slog.String("component", "stream_sdk"))})
	})
	a.logger.Info("start", slog.String("config_id", cfg.ID))

	connCtx, cancel := context.WithCancel(ctx)
	cli := client.NewStreamClient(
		client.WithAppCredential(client.NewAppCredentialConfig(strings.TrimSpace(cfg.AppID), cfg.Secret)),
		client.WithAutoReconnect(true),
	)
	cli.RegisterChatBotCallbackRouter(func(_ context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
		if connCtx.Err() != nil {
			return []byte("{}"), nil
		}
		msg, ok := toInbound(data, cfg)
		if !ok {
			a.logger.Debug("callback ignored", slog.String("config_id", cfg.ID))
			return []byte("{}"), nil
		}
		a.logger.Info("inbound received",
			slog.String("config_id", cfg.ID),
			slog.String("message_id", msg.Message.ID),
			slog.String("chat_type", msg.Conversation.Type),
		)
		if handler != nil {
			if err := handler(connCtx, cfg, msg); err != nil {
				a.logger.Error("inbound handle failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
			}
		}
		return []byte("{}"), nil
	})
	if err := cli.Start(connCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("dingtalk %s: start stream: %w", cfg.ID, err)
	}

	stop := func(context.Context) error {
		cancel()
		cli.Close()
		a.logger.Info("stop", slog.String("config_id", cfg.ID))
		return nil
	}
	return channel.NewConnection(cfg, stop), nil
}

// toInbound converts a chatbot callback. Media arrive as download codes that
// the robot can later exchange for a URL; they are kept as platform keys.
func toInbound(data *chatbot.BotCallbackDataModel, cfg channel.ChannelConfig) (channel.InboundMessage, bool) {
	if data == nil {
		return channel.InboundMessage{}, false
	}
	content, _ := data.Content.(map[string]interface{})
	msg := channel.Message{ID: data.MsgId, Format: channel.MessageFormatPlain}
	switch data.Msgtype {
	case "text":
		msg.Text = strings.TrimSpace(data.Text.Content)
	case "richText":
		msg.Text, msg.Attachments = richText(content)
	case "picture":
		msg.Attachments = attachmentFrom(content, channel.AttachmentImage)
	case "audio":
		msg.Text = strings.TrimSpace(stringField(content, "recognition"))
		msg.Attachments = attachmentFrom(content, channel.AttachmentVoice)
	case "video":
		msg.Attachments = attachmentFrom(content, channel.AttachmentVideo)
	case "file":
		msg.Attachments = attachmentFrom(content, channel.AttachmentFile)
	default:
		return channel.InboundMessage{}, false
	}
	if msg.IsEmpty() {
		return channel.InboundMessage{}, false
	}

	convType := channel.ConversationP2P
	replyTarget := "user:" + data.SenderStaffId
	if data.ConversationType == conversationGroup {
		convType = channel.ConversationGroup
		replyTarget = "group:" + data.ConversationId
	}
	metadata := map[string]any{
		"conversation_type": data.ConversationType,
		"chatbot_user_id":   data.ChatbotUserId,
		"is_admin":          data.IsAdmin,
	}
	if data.Msgtype == "audio" && msg.Text != "" {
		metadata[channel.MetadataSpeechRecognition] = true
	}
	if data.SessionWebhook != "" {
		metadata["session_webhook"] = data.SessionWebhook
	}
	attrs := map[string]string{"staff_id": data.SenderStaffId}
	if data.SenderCorpId != "" {
		attrs["corp_id"] = data.SenderCorpId
	}
	return channel.InboundMessage{
		Channel:     Type,
		AccountID:   cfg.ID,
		Message:     msg,
		ReplyTarget: replyTarget,
		Sender: channel.Identity{
			SubjectID:   data.SenderStaffId,
			DisplayName: data.SenderNick,
			Attributes:  attrs,
		},
		Conversation: channel.Conversation{ID: data.ConversationId, Type: convType},
		ReceivedAt:   time.Now().UTC(),
		Metadata:     metadata,
	}, true
}

func attachmentFrom(content map[string]interface{}, kind channel.AttachmentType) []channel.Attachment {
	code := strings.TrimSpace(stringField(content, "downloadCode"))
	if code == "" {
		return nil
	}
	return []channel.Attachment{{
		Type:        kind,
		PlatformKey: code,
		Name:        strings.TrimSpace(stringField(content, "fileName")),
	}}
}

// richText joins the text runs and collects pictures of a richText message:
// {"richText":[{"text":"..."},{"type":"picture","downloadCode":"..."}]}.
func richText(content map[string]interface{}) (string, []channel.Attachment) {
	items, _ := content["richText"].([]interface{})
	var (
		parts       []string
		attachments []channel.Attachment
	)
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if text := strings.TrimSpace(stringField(item, "text")); text != "" {
			parts = append(parts, text)
		}
		if stringField(item, "type") == "picture" {
			attachments = append(attachments, attachmentFrom(item, channel.AttachmentImage)...)
		}
	}
	return strings.Join(parts, "\n"), attachments
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
