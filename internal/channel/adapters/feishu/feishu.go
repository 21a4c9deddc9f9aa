// Package feishu implements the Feishu/Lark adapter: event-subscription
// webhooks for inbound messages and the open platform IM API, through the
// lark SDK, for outbound delivery.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/channel/adapters/common"
	"github.com/memohai/imbridge/internal/fault"
	"github.com/memohai/imbridge/internal/media"
	"github.com/memohai/imbridge/internal/token"
)

// Type is the Feishu channel type.
const Type = channel.ChannelFeishu

// Error codes the open platform returns for a missing or stale tenant token.
var expiredTokenCodes = map[int]bool{
	99991661: true,
	99991663: true,
	99991668: true,
}

// Adapter implements channel.Adapter, channel.PlatformProvider and
// channel.WebhookReceiver for Feishu.
type Adapter struct {
	logger *slog.Logger
	client *http.Client
}

// NewAdapter creates an Adapter.
func NewAdapter(log *slog.Logger, client *http.Client) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", Type.String())),
		client: common.Client(client),
	}
}

// Type returns the Feishu channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Feishu channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Feishu",
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Markdown:    true,
			Attachments: true,
			Media:       true,
			Files:       true,
			Reply:       true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: 4000,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

// Platform returns the upload and send glue for an app. Tokens come from the
// shared cache and are passed per request, so the SDK's own cache stays off.
func (a *Adapter) Platform(cfg channel.ChannelConfig) (media.Platform, error) {
	if cfg.Credential().IsZero() {
		return nil, fmt.Errorf("feishu %s: app_id and secret are required", cfg.ID)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if base == "" {
		base = token.FeishuBaseURL
	}
	client := lark.NewClient(cfg.AppID, cfg.Secret,
		lark.WithEnableTokenCache(false),
		lark.WithOpenBaseUrl(base),
		lark.WithHttpClient(a.client),
		lark.WithLogger(newLarkLogger(a.logger)),
		lark.WithLogLevel(larkcore.LogLevelWarn),
	)
	return &platform{api: client.Im.V1}, nil
}

type platform struct {
	api *larkim.V1
}

func (p *platform) Name() string { return Type.String() }

// Capabilities: voice messages must be opus; everything else is uploaded
// from local bytes.
func (p *platform) Capabilities() media.Capabilities {
	return media.Capabilities{File: true, AudioCodec: media.CodecOpus}
}

func (p *platform) UploadURL(context.Context, string, string, string, media.Class) (media.Handle, error) {
	return media.Handle{}, fmt.Errorf("feishu cannot upload by url")
}

func (p *platform) Upload(ctx context.Context, tok string, _ string, asset media.Asset) (media.Handle, error) {
	if asset.Class == media.ClassImage {
		return p.uploadImage(ctx, tok, asset)
	}
	return p.uploadFile(ctx, tok, asset)
}

func (p *platform) uploadImage(ctx context.Context, tok string, asset media.Asset) (media.Handle, error) {
	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(bytes.NewReader(asset.Data)).
			Build()).
		Build()
	resp, err := p.api.Image.Create(ctx, req, larkcore.WithTenantAccessToken(tok))
	if err != nil {
		return media.Handle{}, fault.Upload(p.Name(), 0, nil, err)
	}
	if !resp.Success() {
		return media.Handle{}, p.apiError(resp.ApiResp, resp.Code, fault.Upload)
	}
	if resp.Data == nil || resp.Data.ImageKey == nil || strings.TrimSpace(*resp.Data.ImageKey) == "" {
		return media.Handle{}, fault.Upload(p.Name(), 0, nil, fmt.Errorf("empty image_key"))
	}
	return media.Handle{
		Class:    media.ClassImage,
		Key:      strings.TrimSpace(*resp.Data.ImageKey),
		FileName: asset.FileName,
		Extra:    map[string]string{"msg_type": larkim.MsgTypeImage},
	}, nil
}

func (p *platform) uploadFile(ctx context.Context, tok string, asset media.Asset) (media.Handle, error) {
	fileType, msgType := resolveFileType(asset)
	name := strings.TrimSpace(asset.FileName)
	if name == "" {
		name = "attachment"
	}
	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(fileType).
			FileName(name).
			File(bytes.NewReader(asset.Data)).
			Build()).
		Build()
	resp, err := p.api.File.Create(ctx, req, larkcore.WithTenantAccessToken(tok))
	if err != nil {
		return media.Handle{}, fault.Upload(p.Name(), 0, nil, err)
	}
	if !resp.Success() {
		return media.Handle{}, p.apiError(resp.ApiResp, resp.Code, fault.Upload)
	}
	if resp.Data == nil || resp.Data.FileKey == nil || strings.TrimSpace(*resp.Data.FileKey) == "" {
		return media.Handle{}, fault.Upload(p.Name(), 0, nil, fmt.Errorf("empty file_key"))
	}
	return media.Handle{
		Class:    asset.Class,
		Key:      strings.TrimSpace(*resp.Data.FileKey),
		FileName: name,
		Extra:    map[string]string{"msg_type": msgType},
	}, nil
}

func (p *platform) SendMedia(ctx context.Context, tok string, target string, handle media.Handle) (media.Receipt, error) {
	msgType := handle.Extra["msg_type"]
	content := map[string]string{"file_key": handle.Key}
	switch msgType {
	case larkim.MsgTypeImage:
		content = map[string]string{"image_key": handle.Key}
	case "":
		msgType = larkim.MsgTypeFile
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return media.Receipt{}, fmt.Errorf("marshal content: %w", err)
	}
	return p.send(ctx, tok, target, msgType, string(raw))
}

// SendText posts text as a single-paragraph rich text message so markdown
// links and line breaks survive.
func (p *platform) SendText(ctx context.Context, tok string, target string, text string) (media.Receipt, error) {
	content, err := buildPostContent(text)
	if err != nil {
		return media.Receipt{}, err
	}
	return p.send(ctx, tok, target, larkim.MsgTypePost, content)
}

func (p *platform) send(ctx context.Context, tok, target, msgType, content string) (media.Receipt, error) {
	receiveID, receiveType, err := resolveReceiveID(target)
	if err != nil {
		return media.Receipt{}, fault.Send(p.Name(), 0, nil, err)
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := p.api.Message.Create(ctx, req, larkcore.WithTenantAccessToken(tok))
	if err != nil {
		return media.Receipt{}, fault.Send(p.Name(), 0, nil, err)
	}
	if !resp.Success() {
		return media.Receipt{}, p.apiError(resp.ApiResp, resp.Code, fault.Send)
	}
	var receipt media.Receipt
	if resp.Data != nil {
		if resp.Data.MessageId != nil {
			receipt.ID = *resp.Data.MessageId
		}
		if resp.Data.CreateTime != nil {
			if ms, err := strconv.ParseInt(*resp.Data.CreateTime, 10, 64); err == nil {
				receipt.Timestamp = time.UnixMilli(ms).UTC()
			}
		}
	}
	return receipt, nil
}

// apiError maps a failed API response onto the fault kinds, recognizing the
// token codes so the caller can refresh and retry.
func (p *platform) apiError(raw *larkcore.ApiResp, code int, build func(platform string, status int, body []byte, err error) *fault.Error) error {
	status := 0
	var body []byte
	if raw != nil {
		status = raw.StatusCode
		body = raw.RawBody
	}
	if expiredTokenCodes[code] {
		return fault.ExpiredToken(p.Name(), status, body)
	}
	return build(p.Name(), status, body, fmt.Errorf("feishu api code %d", code))
}

// resolveFileType maps an asset onto the file_type of the upload API and the
// message type it is later sent as. Audio is a voice message only when it
// is already opus.
func resolveFileType(asset media.Asset) (string, string) {
	lowerMime := strings.ToLower(asset.Mime)
	lowerName := strings.ToLower(strings.TrimSpace(asset.FileName))
	switch {
	case asset.Class == media.ClassAudio && (filepath.Ext(lowerName) == ".opus" || strings.Contains(lowerMime, "opus")):
		return larkim.FileTypeOpus, larkim.MsgTypeAudio
	case asset.Class == media.ClassVideo || strings.Contains(lowerMime, "mp4"):
		return larkim.FileTypeMp4, larkim.MsgTypeFile
	case strings.Contains(lowerMime, "pdf") || strings.HasSuffix(lowerName, ".pdf"):
		return larkim.FileTypePdf, larkim.MsgTypeFile
	case strings.Contains(lowerMime, "word") || strings.HasSuffix(lowerName, ".doc") || strings.HasSuffix(lowerName, ".docx"):
		return larkim.FileTypeDoc, larkim.MsgTypeFile
	case strings.Contains(lowerMime, "excel") || strings.Contains(lowerMime, "spreadsheet") || strings.HasSuffix(lowerName, ".xls") || strings.HasSuffix(lowerName, ".xlsx"):
		return larkim.FileTypeXls, larkim.MsgTypeFile
	case strings.Contains(lowerMime, "powerpoint") || strings.Contains(lowerMime, "presentation") || strings.HasSuffix(lowerName, ".ppt") || strings.HasSuffix(lowerName, ".pptx"):
		return larkim.FileTypePpt, larkim.MsgTypeFile
	default:
		return larkim.FileTypeStream, larkim.MsgTypeFile
	}
}

// resolveReceiveID parses target (open_id:/user_id:/union_id:/chat_id:
// prefix) and returns the receive id and its type. A bare oc_ id is a chat;
// any other bare id is an open_id.
func resolveReceiveID(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("feishu target is required")
	}
	prefixes := []struct {
		prefix string
		kind   string
	}{
		{"open_id:", larkim.ReceiveIdTypeOpenId},
		{"user_id:", larkim.ReceiveIdTypeUserId},
		{"union_id:", larkim.ReceiveIdTypeUnionId},
		{"chat_id:", larkim.ReceiveIdTypeChatId},
		{"chat:", larkim.ReceiveIdTypeChatId},
	}
	for _, p := range prefixes {
		if strings.HasPrefix(raw, p.prefix) {
			id := strings.TrimSpace(strings.TrimPrefix(raw, p.prefix))
			if id == "" {
				return "", "", fmt.Errorf("feishu target %q has no id", raw)
			}
			return id, p.kind, nil
		}
	}
	if strings.HasPrefix(raw, "oc_") {
		return raw, larkim.ReceiveIdTypeChatId, nil
	}
	return raw, larkim.ReceiveIdTypeOpenId, nil
}

// buildPostContent wraps text into the zh_cn post body, one paragraph per line.
func buildPostContent(text string) (string, error) {
	type postContent struct {
		ZhCn struct {
			Title   string  `json:"title"`
			Content [][]any `json:"content"`
		} `json:"zh_cn"`
	}
	var pc postContent
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		pc.ZhCn.Content = append(pc.ZhCn.Content, []any{map[string]any{"tag": "md", "text": line}})
	}
	payload, err := json.Marshal(pc)
	if err != nil {
		return "", fmt.Errorf("marshal post content: %w", err)
	}
	return string(payload), nil
}
