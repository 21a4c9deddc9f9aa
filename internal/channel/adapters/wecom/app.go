package wecom

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/channel/adapters/common"
	"github.com/memohai/imbridge/internal/fault"
	"github.com/memohai/imbridge/internal/media"
)

// AppType is the channel type of WeCom self-built applications.
const AppType = channel.ChannelWeComApp

// AppAdapter sends through cgi-bin/message/send and receives application
// callbacks.
type AppAdapter struct {
	logger *slog.Logger
	client *http.Client
}

// NewAppAdapter creates an AppAdapter.
func NewAppAdapter(log *slog.Logger, client *http.Client) *AppAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &AppAdapter{
		logger: log.With(slog.String("adapter", AppType.String())),
		client: common.Client(client),
	}
}

// Type returns the WeCom application channel type.
func (a *AppAdapter) Type() channel.ChannelType {
	return AppType
}

// Descriptor returns the WeCom application channel metadata.
func (a *AppAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        AppType,
		DisplayName: "WeCom App",
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Attachments: true,
			Media:       true,
			Files:       true,
		},
		OutboundPolicy: channel.OutboundPolicy{TextChunkLimit: 2048},
	}
}

// Platform returns the upload and send glue for an application.
func (a *AppAdapter) Platform(cfg channel.ChannelConfig) (media.Platform, error) {
	agentID, err := strconv.ParseInt(strings.TrimSpace(cfg.AgentID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("wecom app %s: agent_id must be numeric: %w", cfg.ID, err)
	}
	return &appPlatform{client: a.client, baseURL: apiBase(cfg), agentID: agentID}, nil
}

// HandleWebhook verifies and decodes application callbacks.
func (a *AppAdapter) HandleWebhook(ctx context.Context, cfg channel.ChannelConfig, req channel.WebhookRequest, handler channel.InboundHandler) (channel.WebhookResponse, error) {
	if strings.TrimSpace(cfg.ReceiverID) == "" {
		// The corp id doubles as the receiver id of app callbacks.
		cfg.ReceiverID = cfg.AppID
	}
	codec, err := newCodec(AppType.String(), cfg)
	if err != nil {
		return channel.WebhookResponse{}, fmt.Errorf("wecom app %s: %w", cfg.ID, err)
	}
	if req.Method == http.MethodGet {
		return verifyURL(codec, req.Query)
	}
	plain, err := openXML(AppType.String(), codec, req.Query, req.Body)
	if err != nil {
		return channel.WebhookResponse{}, err
	}
	var event appEvent
	if err := xml.Unmarshal(plain, &event); err != nil {
		return channel.WebhookResponse{}, fault.Integrity(AppType.String(), "malformed callback payload")
	}
	msg, ok := event.inbound(cfg)
	if !ok {
		a.logger.Debug("callback ignored", slog.String("config_id", cfg.ID), slog.String("msg_type", event.MsgType))
		return ackResponse(), nil
	}
	if handler != nil {
		if err := handler(ctx, cfg, msg); err != nil {
			a.logger.Error("inbound handle failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		}
	}
	return ackResponse(), nil
}

type appEvent struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
	AgentID      string   `xml:"AgentID"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
	Format       string   `xml:"Format"`
	Recognition  string   `xml:"Recognition"`
}

func (e appEvent) inbound(cfg channel.ChannelConfig) (channel.InboundMessage, bool) {
	msg := channel.Message{ID: e.MsgID, Format: channel.MessageFormatPlain}
	switch e.MsgType {
	case "text":
		msg.Text = e.Content
	case "image":
		msg.Attachments = append(msg.Attachments, channel.Attachment{
			Type:        channel.AttachmentImage,
			URL:         e.PicURL,
			PlatformKey: e.MediaID,
		})
	case "voice":
		msg.Text = e.Recognition
		msg.Attachments = append(msg.Attachments, channel.Attachment{
			Type:        channel.AttachmentVoice,
			PlatformKey: e.MediaID,
			Mime:        "audio/" + strings.ToLower(strings.TrimSpace(e.Format)),
		})
	case "video":
		msg.Attachments = append(msg.Attachments, channel.Attachment{Type: channel.AttachmentVideo, PlatformKey: e.MediaID})
	case "file":
		msg.Attachments = append(msg.Attachments, channel.Attachment{Type: channel.AttachmentFile, PlatformKey: e.MediaID})
	default:
		return channel.InboundMessage{}, false
	}
	if msg.IsEmpty() {
		return channel.InboundMessage{}, false
	}
	metadata := map[string]any{"agent_id": e.AgentID}
	if e.MsgType == "voice" && strings.TrimSpace(e.Recognition) != "" {
		metadata[channel.MetadataSpeechRecognition] = true
	}
	received := time.Now().UTC()
	if e.CreateTime > 0 {
		received = time.Unix(e.CreateTime, 0).UTC()
	}
	return channel.InboundMessage{
		Channel:      AppType,
		AccountID:    cfg.ID,
		Message:      msg,
		ReplyTarget:  "user:" + e.FromUserName,
		Sender:       channel.Identity{SubjectID: e.FromUserName, Attributes: map[string]string{"user_id": e.FromUserName}},
		Conversation: channel.Conversation{ID: e.FromUserName, Type: channel.ConversationP2P},
		ReceivedAt:   received,
		Metadata:     metadata,
	}, true
}

type appPlatform struct {
	client  *http.Client
	baseURL string
	agentID int64
}

func (p *appPlatform) Name() string { return AppType.String() }

func (p *appPlatform) Capabilities() media.Capabilities {
	return media.Capabilities{File: true, AudioCodec: media.CodecAMR}
}

func (p *appPlatform) UploadURL(context.Context, string, string, string, media.Class) (media.Handle, error) {
	return media.Handle{}, fmt.Errorf("wecom app cannot upload by url")
}

func (p *appPlatform) Upload(ctx context.Context, tok string, _ string, asset media.Asset) (media.Handle, error) {
	kind := appMediaType(asset)
	query := url.Values{"access_token": {tok}, "type": {kind}}
	var out struct {
		apiResult
		MediaID string `json:"media_id"`
	}
	part := common.FilePart{Field: "media", FileName: asset.FileName, Mime: asset.Mime, Data: asset.Data}
	res, err := common.PostMultipart(ctx, p.client, p.baseURL+"/cgi-bin/media/upload?"+query.Encode(), nil, part, nil, &out)
	if err != nil {
		return media.Handle{}, fault.Upload(p.Name(), res.Status, res.Body, err)
	}
	if expiredTokenCodes[out.ErrCode] {
		return media.Handle{}, fault.ExpiredToken(p.Name(), res.Status, res.Body)
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

func (p *appPlatform) SendMedia(ctx context.Context, tok string, target string, handle media.Handle) (media.Receipt, error) {
	kind := handle.Extra["msgtype"]
	if kind == "" {
		kind = "file"
	}
	payload, err := p.envelope(target, kind)
	if err != nil {
		return media.Receipt{}, err
	}
	payload[kind] = map[string]string{"media_id": handle.Key}
	return p.send(ctx, tok, payload)
}

func (p *appPlatform) SendText(ctx context.Context, tok string, target string, text string) (media.Receipt, error) {
	payload, err := p.envelope(target, "text")
	if err != nil {
		return media.Receipt{}, err
	}
	payload["text"] = map[string]string{"content": text}
	return p.send(ctx, tok, payload)
}

// envelope addresses a message; target is "user:ID", "party:ID" or "tag:ID".
func (p *appPlatform) envelope(target, kind string) (map[string]any, error) {
	scope, id := media.SplitTarget(target)
	if id == "" {
		return nil, fault.Send(p.Name(), 0, nil, fmt.Errorf("target is required"))
	}
	field := "touser"
	switch scope {
	case "", "user":
	case "party":
		field = "toparty"
	case "tag":
		field = "totag"
	default:
		return nil, fault.Send(p.Name(), 0, nil, fmt.Errorf("unsupported target scope %q", scope))
	}
	return map[string]any{
		field:     id,
		"msgtype": kind,
		"agentid": p.agentID,
	}, nil
}

func (p *appPlatform) send(ctx context.Context, tok string, payload map[string]any) (media.Receipt, error) {
	var out struct {
		apiResult
		MsgID string `json:"msgid"`
	}
	endpoint := p.baseURL + "/cgi-bin/message/send?" + url.Values{"access_token": {tok}}.Encode()
	res, err := common.DoJSON(ctx, p.client, http.MethodPost, endpoint, nil, payload, &out)
	if err != nil {
		return media.Receipt{}, fault.Send(p.Name(), res.Status, res.Body, err)
	}
	if expiredTokenCodes[out.ErrCode] {
		return media.Receipt{}, fault.ExpiredToken(p.Name(), res.Status, res.Body)
	}
	if !res.OK() || out.ErrCode != 0 {
		return media.Receipt{}, fault.Send(p.Name(), res.Status, res.Body, nil)
	}
	return media.Receipt{ID: out.MsgID}, nil
}

func appMediaType(asset media.Asset) string {
	switch asset.Class {
	case media.ClassImage:
		return "image"
	case media.ClassVideo:
		return "video"
	case media.ClassAudio:
		if strings.EqualFold(filepath.Ext(asset.FileName), ".amr") {
			return "voice"
		}
	}
	return "file"
}
