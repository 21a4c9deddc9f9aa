package wecom

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/channel/adapters/common"
	"github.com/memohai/imbridge/internal/fault"
	"github.com/memohai/imbridge/internal/media"
	"github.com/memohai/imbridge/internal/token"
)

// RobotType is the channel type of WeCom group robots.
const RobotType = channel.ChannelWeCom

// robotImageLimit is the largest image a robot message may carry inline.
const robotImageLimit = 2 << 20

// RobotAdapter sends through a group robot webhook key and receives AI-bot
// callbacks.
type RobotAdapter struct {
	logger *slog.Logger
	client *http.Client
}

// NewRobotAdapter creates a RobotAdapter.
func NewRobotAdapter(log *slog.Logger, client *http.Client) *RobotAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &RobotAdapter{
		logger: log.With(slog.String("adapter", RobotType.String())),
		client: common.Client(client),
	}
}

// Type returns the WeCom robot channel type.
func (a *RobotAdapter) Type() channel.ChannelType {
	return RobotType
}

// Descriptor returns the WeCom robot channel metadata.
func (a *RobotAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        RobotType,
		DisplayName: "WeCom",
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Markdown:    true,
			Attachments: true,
			Media:       true,
			Files:       true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: 2048,
			ChunkerMode:    channel.ChunkerModeMarkdown,
			MediaOrder:     channel.OutboundOrderTextFirst,
		},
	}
}

// Platform returns the upload and send glue for a robot webhook key.
func (a *RobotAdapter) Platform(cfg channel.ChannelConfig) (media.Platform, error) {
	key := strings.TrimSpace(cfg.WebhookKey)
	if key == "" {
		return nil, fmt.Errorf("wecom robot %s: webhook_key is required", cfg.ID)
	}
	return &robotPlatform{
		client:  a.client,
		baseURL: apiBase(cfg),
		key:     key,
	}, nil
}

// HandleWebhook verifies and decodes AI-bot callbacks.
func (a *RobotAdapter) HandleWebhook(ctx context.Context, cfg channel.ChannelConfig, req channel.WebhookRequest, handler channel.InboundHandler) (channel.WebhookResponse, error) {
	codec, err := newCodec(RobotType.String(), cfg)
	if err != nil {
		return channel.WebhookResponse{}, fmt.Errorf("wecom robot %s: %w", cfg.ID, err)
	}
	if req.Method == http.MethodGet {
		return verifyURL(codec, req.Query)
	}
	plain, err := openJSON(RobotType.String(), codec, req.Query, req.Body)
	if err != nil {
		return channel.WebhookResponse{}, err
	}
	var event botEvent
	if err := json.Unmarshal(plain, &event); err != nil {
		return channel.WebhookResponse{}, fault.Integrity(RobotType.String(), "malformed callback payload")
	}
	msg, ok := event.inbound(cfg)
	if !ok {
		a.logger.Debug("callback ignored", slog.String("config_id", cfg.ID), slog.String("msgtype", event.MsgType))
		return ackResponse(), nil
	}
	if handler != nil {
		if err := handler(ctx, cfg, msg); err != nil {
			a.logger.Error("inbound handle failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		}
	}
	return ackResponse(), nil
}

type botEvent struct {
	MsgID       string `json:"msgid"`
	AIBotID     string `json:"aibotid"`
	ChatID      string `json:"chatid"`
	ChatType    string `json:"chattype"`
	ResponseURL string `json:"response_url"`
	MsgType     string `json:"msgtype"`
	From        struct {
		UserID string `json:"userid"`
	} `json:"from"`
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
	Image struct {
		URL string `json:"url"`
	} `json:"image"`
	Voice struct {
		Content string `json:"content"`
	} `json:"voice"`
	File struct {
		URL string `json:"url"`
	} `json:"file"`
}

func (e botEvent) inbound(cfg channel.ChannelConfig) (channel.InboundMessage, bool) {
	msg := channel.Message{ID: e.MsgID, Format: channel.MessageFormatPlain}
	switch e.MsgType {
	case "text":
		msg.Text = e.Text.Content
	case "voice":
		msg.Text = e.Voice.Content
	case "image":
		if e.Image.URL != "" {
			msg.Attachments = append(msg.Attachments, channel.Attachment{Type: channel.AttachmentImage, URL: e.Image.URL})
		}
	case "file":
		if e.File.URL != "" {
			msg.Attachments = append(msg.Attachments, channel.Attachment{Type: channel.AttachmentFile, URL: e.File.URL})
		}
	default:
		return channel.InboundMessage{}, false
	}
	if msg.IsEmpty() {
		return channel.InboundMessage{}, false
	}
	convType := channel.ConversationP2P
	convID := e.From.UserID
	if e.ChatType == "group" {
		convType = channel.ConversationGroup
		convID = e.ChatID
	}
	metadata := map[string]any{"aibotid": e.AIBotID}
	if e.ResponseURL != "" {
		metadata["response_url"] = e.ResponseURL
	}
	return channel.InboundMessage{
		Channel:      RobotType,
		AccountID:    cfg.ID,
		Message:      msg,
		ReplyTarget:  replyTarget(convType, e.ChatID, e.From.UserID),
		Sender:       channel.Identity{SubjectID: e.From.UserID, Attributes: map[string]string{"user_id": e.From.UserID}},
		Conversation: channel.Conversation{ID: convID, Type: convType},
		ReceivedAt:   time.Now().UTC(),
		Metadata:     metadata,
	}, true
}

func replyTarget(convType, chatID, userID string) string {
	if convType == channel.ConversationGroup && chatID != "" {
		return "chat:" + chatID
	}
	return "user:" + userID
}

type robotPlatform struct {
	client  *http.Client
	baseURL string
	key     string
}

func (p *robotPlatform) Name() string { return RobotType.String() }

func (p *robotPlatform) Capabilities() media.Capabilities {
	return media.Capabilities{File: true, AudioCodec: media.CodecAMR}
}

func (p *robotPlatform) UploadURL(context.Context, string, string, string, media.Class) (media.Handle, error) {
	return media.Handle{}, fmt.Errorf("wecom robot cannot upload by url")
}

// Upload keeps images for inline delivery and uploads everything else.
func (p *robotPlatform) Upload(ctx context.Context, _ string, _ string, asset media.Asset) (media.Handle, error) {
	if asset.Class == media.ClassImage {
		if int64(len(asset.Data)) > robotImageLimit {
			return media.Handle{}, fault.FileSizeLimit(robotImageLimit)
		}
		return media.Handle{Class: asset.Class, FileName: asset.FileName, Data: asset.Data}, nil
	}
	kind := "file"
	if asset.Class == media.ClassAudio && strings.EqualFold(filepath.Ext(asset.FileName), ".amr") {
		kind = "voice"
	}
	query := url.Values{"key": {p.key}, "type": {kind}}
	var out struct {
		apiResult
		MediaID string `json:"media_id"`
	}
	part := common.FilePart{Field: "media", FileName: asset.FileName, Mime: asset.Mime, Data: asset.Data}
	res, err := common.PostMultipart(ctx, p.client, p.baseURL+"/cgi-bin/webhook/upload_media?"+query.Encode(), nil, part, nil, &out)
	if err != nil {
		return media.Handle{}, fault.Upload(p.Name(), res.Status, res.Body, err)
	}
	if !res.OK() || out.ErrCode != 0 || out.MediaID == "" {
		return media.Handle{}, fault.Upload(p.Name(), res.Status, res.Body, nil)
	}
	return media.Handle{
		Class:    asset.Class,
		Key:      out.MediaID,
		FileName: asset.FileName,
		Extra:    map[string]string{"msgtype": kind},
	}, nil
}

func (p *robotPlatform) SendMedia(ctx context.Context, _ string, _ string, handle media.Handle) (media.Receipt, error) {
	if handle.Class == media.ClassImage {
		sum := md5.Sum(handle.Data)
		return p.send(ctx, map[string]any{
			"msgtype": "image",
			"image": map[string]string{
				"base64": base64.StdEncoding.EncodeToString(handle.Data),
				"md5":    hex.EncodeToString(sum[:]),
			},
		})
	}
	kind := handle.Extra["msgtype"]
	if kind == "" {
		kind = "file"
	}
	return p.send(ctx, map[string]any{
		"msgtype": kind,
		kind:      map[string]string{"media_id": handle.Key},
	})
}

func (p *robotPlatform) SendText(ctx context.Context, _ string, _ string, text string) (media.Receipt, error) {
	return p.send(ctx, map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]string{"content": text},
	})
}

func (p *robotPlatform) send(ctx context.Context, payload map[string]any) (media.Receipt, error) {
	var out apiResult
	endpoint := p.baseURL + "/cgi-bin/webhook/send?" + url.Values{"key": {p.key}}.Encode()
	res, err := common.DoJSON(ctx, p.client, http.MethodPost, endpoint, nil, payload, &out)
	if err != nil {
		return media.Receipt{}, fault.Send(p.Name(), res.Status, res.Body, err)
	}
	if !res.OK() || out.ErrCode != 0 {
		return media.Receipt{}, fault.Send(p.Name(), res.Status, res.Body, nil)
	}
	return media.Receipt{}, nil
}

func apiBase(cfg channel.ChannelConfig) string {
	if endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"); endpoint != "" {
		return endpoint
	}
	return token.WeComBaseURL
}
