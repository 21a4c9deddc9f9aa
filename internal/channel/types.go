// Package channel provides the platform-neutral message shape shared by the
// chat platform adapters, the adapter registry, and the inbound and outbound
// plumbing built on top of them.
package channel

import (
	"strings"
	"time"

	"github.com/memohai/imbridge/internal/media"
	"github.com/memohai/imbridge/internal/token"
)

// ChannelType identifies a messaging platform (e.g., "feishu", "qqbot").
type ChannelType string

// Supported platforms.
const (
	ChannelDingTalk ChannelType = "dingtalk"
	ChannelFeishu   ChannelType = "feishu"
	ChannelWeCom    ChannelType = "wecom"
	ChannelWeComApp ChannelType = "wecomapp"
	ChannelQQBot    ChannelType = "qqbot"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Identity represents a sender's identity on a channel.
type Identity struct {
	SubjectID   string            `json:"subject_id"`
	DisplayName string            `json:"display_name,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Attribute returns the trimmed value for the given key, or empty string if absent.
func (i Identity) Attribute(key string) string {
	if i.Attributes == nil {
		return ""
	}
	return strings.TrimSpace(i.Attributes[key])
}

// Conversation types.
const (
	ConversationP2P   = "p2p"
	ConversationGroup = "group"
)

// Conversation holds metadata about the chat or group context.
type Conversation struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// InboundMessage is a message received from an external channel.
type InboundMessage struct {
	Channel      ChannelType    `json:"channel"`
	AccountID    string         `json:"account_id"`
	Message      Message        `json:"message"`
	ReplyTarget  string         `json:"reply_target"`
	RouteKey     string         `json:"route_key,omitempty"`
	Sender       Identity       `json:"sender"`
	Conversation Conversation   `json:"conversation"`
	ReceivedAt   time.Time      `json:"received_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RoutingKey returns a stable identifier used for reply routing.
// Format: platform:account_id:conversation_id[:sender_id].
func (m InboundMessage) RoutingKey() string {
	if strings.TrimSpace(m.RouteKey) != "" {
		return strings.TrimSpace(m.RouteKey)
	}
	senderID := strings.TrimSpace(m.Sender.SubjectID)
	if senderID == "" {
		senderID = strings.TrimSpace(m.Sender.DisplayName)
	}
	return GenerateRoutingKey(string(m.Channel), m.AccountID, m.Conversation.ID, m.Conversation.Type, senderID)
}

// GenerateRoutingKey builds a route key from platform, account, conversation, and sender info.
// For group chats, the sender ID is appended to provide per-user context.
func GenerateRoutingKey(platform, accountID, conversationID, conversationType, senderID string) string {
	parts := []string{platform, accountID, conversationID}
	ct := strings.ToLower(strings.TrimSpace(conversationType))
	if ct != "" && ct != ConversationP2P && ct != "private" {
		senderID = strings.TrimSpace(senderID)
		if senderID != "" {
			parts = append(parts, senderID)
		}
	}
	return strings.Join(parts, ":")
}

// MessageFormat indicates how the message text should be rendered.
type MessageFormat string

const (
	MessageFormatPlain    MessageFormat = "plain"
	MessageFormatMarkdown MessageFormat = "markdown"
)

// AttachmentType classifies the kind of binary attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
	AttachmentVoice AttachmentType = "voice"
	AttachmentFile  AttachmentType = "file"
	AttachmentGIF   AttachmentType = "gif"
)

// MediaClass maps the attachment type onto a transfer class. Unknown or
// empty types return "" so the class is inferred from the reference.
func (t AttachmentType) MediaClass() media.Class {
	switch t {
	case AttachmentImage, AttachmentGIF:
		return media.ClassImage
	case AttachmentAudio, AttachmentVoice:
		return media.ClassAudio
	case AttachmentVideo:
		return media.ClassVideo
	case AttachmentFile:
		return media.ClassFile
	default:
		return ""
	}
}

// Attachment represents a binary file attached to a message.
type Attachment struct {
	Type        AttachmentType `json:"type,omitempty"`
	URL         string         `json:"url,omitempty"`
	PlatformKey string         `json:"platform_key,omitempty"`
	Base64      string         `json:"base64,omitempty"` // data URL
	Name        string         `json:"name,omitempty"`
	Size        int64          `json:"size,omitempty"`
	Mime        string         `json:"mime,omitempty"`
	Caption     string         `json:"caption,omitempty"`
}

// Reference returns the strongest available attachment reference.
// URL is preferred for cross-platform portability, then platform key.
func (a Attachment) Reference() string {
	if strings.TrimSpace(a.URL) != "" {
		return strings.TrimSpace(a.URL)
	}
	if strings.TrimSpace(a.PlatformKey) != "" {
		return strings.TrimSpace(a.PlatformKey)
	}
	return strings.TrimSpace(a.Base64)
}

// HasReference reports whether any reference is available.
func (a Attachment) HasReference() bool {
	return a.Reference() != ""
}

// Alternatives lists every deliverable reference in preference order, each
// tagged with the attachment's class.
func (a Attachment) Alternatives() []media.Item {
	class := a.Type.MediaClass()
	if class == "" && a.Mime != "" {
		class = media.ClassFromMime(a.Mime)
	}
	items := make([]media.Item, 0, 2)
	for _, ref := range []string{a.URL, a.Base64} {
		if ref = strings.TrimSpace(ref); ref != "" {
			items = append(items, media.Item{Ref: ref, Class: class})
		}
	}
	if len(items) == 0 && strings.TrimSpace(a.PlatformKey) != "" {
		items = append(items, media.Item{Ref: strings.TrimSpace(a.PlatformKey), Class: class})
	}
	return items
}

// ReplyRef points to a message being replied to.
type ReplyRef struct {
	Target    string `json:"target,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Message is the unified message structure used across all channels.
type Message struct {
	ID          string         `json:"id,omitempty"`
	Format      MessageFormat  `json:"format,omitempty"`
	Text        string         `json:"text,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Reply       *ReplyRef      `json:"reply,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsEmpty reports whether the message carries no content.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Attachments) == 0
}

// PlainText returns the trimmed text of the message.
func (m Message) PlainText() string {
	return strings.TrimSpace(m.Text)
}

// OutboundMessage pairs a delivery target with the message content.
type OutboundMessage struct {
	Target  string  `json:"target"`
	Message Message `json:"message"`
}

// ChannelConfig is one configured platform account.
// Disabled: true means the account is neither connected nor accepted by webhooks.
type ChannelConfig struct {
	ID             string
	ChannelType    ChannelType
	AppID          string
	Secret         string
	Token          string
	EncodingAESKey string
	EncryptKey     string
	ReceiverID     string
	AgentID        string
	RobotCode      string
	WebhookKey     string
	Endpoint       string
	Disabled       bool
}

// Credential returns the token credential of the account. Accounts without
// an app secret (robot webhooks) return the zero credential.
func (c ChannelConfig) Credential() token.Credential {
	if strings.TrimSpace(c.AppID) == "" || strings.TrimSpace(c.Secret) == "" {
		return token.Credential{}
	}
	return token.Credential{
		Platform: c.ChannelType.String(),
		AppID:    strings.TrimSpace(c.AppID),
		Secret:   c.Secret,
		Endpoint: strings.TrimSpace(c.Endpoint),
	}
}

// SendRequest is the input for sending an outbound message through a channel.
type SendRequest struct {
	AccountID string  `json:"account_id"`
	Target    string  `json:"target"`
	Kind      string  `json:"kind,omitempty"`
	FinalOnly *bool   `json:"final_only,omitempty"`
	Message   Message `json:"message"`
}
