package feishu

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/imbridge/internal/channel"
)

// fileMessageTypes maps key-addressed message types to attachment types.
var fileMessageTypes = map[string]channel.AttachmentType{
	larkim.MsgTypeFile:  channel.AttachmentFile,
	larkim.MsgTypeAudio: channel.AttachmentAudio,
	larkim.MsgTypeMedia: channel.AttachmentVideo,
}

// content is the decoded "content" JSON of a message event.
type content map[string]any

func (c content) field(key string) string {
	return fieldString(c, key)
}

func fieldString(node map[string]any, key string) string {
	value, _ := node[key].(string)
	return strings.TrimSpace(value)
}

// extractInbound converts a receive event into a channel.InboundMessage.
// botOpenID filters mentions; when empty any mention counts.
func extractInbound(event *larkim.P2MessageReceiveV1, cfg channel.ChannelConfig, botOpenID string) channel.InboundMessage {
	out := channel.InboundMessage{Channel: Type, AccountID: cfg.ID, ReceivedAt: time.Now().UTC()}
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return out
	}
	message := event.Event.Message
	body := decodeContent(deref(message.Content))

	out.Message = channel.Message{ID: deref(message.MessageId), Format: channel.MessageFormatPlain}
	out.Message.Text, out.Message.Attachments = messageBody(deref(message.MessageType), body)
	if parent := deref(message.ParentId); parent != "" {
		out.Message.Reply = &channel.ReplyRef{MessageID: parent}
	}

	userID, openID := senderIDs(event.Event.Sender)
	out.Sender = channel.Identity{SubjectID: firstNonEmpty(openID, userID), Attributes: map[string]string{}}
	if userID != "" {
		out.Sender.Attributes["user_id"] = userID
	}
	if openID != "" {
		out.Sender.Attributes["open_id"] = openID
	}

	chatID, chatType := deref(message.ChatId), deref(message.ChatType)
	out.Conversation = channel.Conversation{ID: chatID, Type: chatType}
	out.ReplyTarget = replyTarget(chatID, chatType, userID, openID)

	if ms, err := strconv.ParseInt(deref(message.CreateTime), 10, 64); err == nil && ms > 0 {
		out.ReceivedAt = time.UnixMilli(ms).UTC()
	}
	out.Metadata = map[string]any{
		"is_mentioned": mentionsBot(body, message.Mentions, botOpenID),
	}
	return out
}

func decodeContent(raw string) content {
	body := content{}
	if raw == "" {
		return body
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		slog.Warn("feishu inbound: unmarshal content failed", slog.Any("error", err))
	}
	return body
}

func messageBody(msgType string, body content) (string, []channel.Attachment) {
	switch msgType {
	case larkim.MsgTypeText:
		return body.field("text"), nil
	case larkim.MsgTypePost:
		return postText(body), postAttachments(body)
	case larkim.MsgTypeImage:
		if key := body.field("image_key"); key != "" {
			return "", []channel.Attachment{{Type: channel.AttachmentImage, PlatformKey: key}}
		}
	default:
		if attType, ok := fileMessageTypes[msgType]; ok {
			if key := body.field("file_key"); key != "" {
				return "", []channel.Attachment{{Type: attType, PlatformKey: key, Name: body.field("file_name")}}
			}
		}
	}
	return "", nil
}

func senderIDs(sender *larkim.EventSender) (userID, openID string) {
	if sender == nil || sender.SenderId == nil {
		return "", ""
	}
	return deref(sender.SenderId.UserId), deref(sender.SenderId.OpenId)
}

// replyTarget answers group chats in the chat and direct messages to the
// sender, preferring the open_id.
func replyTarget(chatID, chatType, userID, openID string) string {
	switch {
	case chatID != "" && chatType != "" && chatType != channel.ConversationP2P:
		return "chat_id:" + chatID
	case openID != "":
		return "open_id:" + openID
	default:
		return "user_id:" + userID
	}
}

// mentionsBot reports whether the message mentions the bot, through the
// event's mention list or an at tag in rich text.
func mentionsBot(body content, mentions []*larkim.MentionEvent, botOpenID string) bool {
	botOpenID = strings.TrimSpace(botOpenID)
	tags := atTags(map[string]any(body), nil)
	if botOpenID == "" {
		text := strings.ToLower(body.field("text"))
		return len(mentions) > 0 || len(tags) > 0 ||
			strings.Contains(text, "@_user_") || strings.Contains(text, "<at ")
	}
	for _, m := range mentions {
		if m != nil && m.Id != nil && deref(m.Id.OpenId) == botOpenID {
			return true
		}
	}
	for _, tag := range tags {
		if fieldString(tag, "user_id") == botOpenID || fieldString(tag, "open_id") == botOpenID {
			return true
		}
	}
	return false
}

// atTags collects every {"tag":"at"} node below raw.
func atTags(raw any, found []map[string]any) []map[string]any {
	switch value := raw.(type) {
	case map[string]any:
		if strings.EqualFold(fieldString(value, "tag"), "at") {
			found = append(found, value)
		}
		for _, child := range value {
			found = atTags(child, found)
		}
	case []any:
		for _, child := range value {
			found = atTags(child, found)
		}
	}
	return found
}

// postElements returns the elements of a post body in reading order. The
// event payload carries paragraphs at the root: {"title":"","content":[[...]]}.
func postElements(body content) []map[string]any {
	var elements []map[string]any
	paragraphs, _ := body["content"].([]any)
	for _, paragraph := range paragraphs {
		items, _ := paragraph.([]any)
		for _, item := range items {
			if element, ok := item.(map[string]any); ok {
				elements = append(elements, element)
			}
		}
	}
	return elements
}

func postAttachments(body content) []channel.Attachment {
	var result []channel.Attachment
	for _, element := range postElements(body) {
		switch strings.ToLower(fieldString(element, "tag")) {
		case "img":
			if key := fieldString(element, "image_key"); key != "" {
				result = append(result, channel.Attachment{Type: channel.AttachmentImage, PlatformKey: key})
			}
		case "file":
			if key := fieldString(element, "file_key"); key != "" {
				result = append(result, channel.Attachment{Type: channel.AttachmentFile, PlatformKey: key, Name: fieldString(element, "file_name")})
			}
		}
	}
	return result
}

// postText flattens text and at elements; mentions render as @name.
func postText(body content) string {
	var words []string
	for _, element := range postElements(body) {
		if strings.EqualFold(fieldString(element, "tag"), "at") {
			name := firstNonEmpty(fieldString(element, "user_name"), fieldString(element, "text"))
			words = append(words, "@"+strings.TrimPrefix(name, "@"))
			continue
		}
		if text := fieldString(element, "text"); text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " ")
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
