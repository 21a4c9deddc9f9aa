// Package dingtalk implements the DingTalk enterprise robot adapter. Inbound
// messages arrive over the stream SDK; replies go through the robot batch
// send APIs.
package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/channel/adapters/common"
	"github.com/memohai/imbridge/internal/fault"
	"github.com/memohai/imbridge/internal/media"
	"github.com/memohai/imbridge/internal/token"
)

// Type is the DingTalk channel type.
const Type = channel.ChannelDingTalk

// OAPIBaseURL hosts the legacy media upload API.
const OAPIBaseURL = "https://oapi.dingtalk.com"

const tokenHeader = "x-acs-dingtalk-access-token"

// Legacy API errcodes for an invalid or expired access token.
var expiredTokenCodes = map[int]bool{40014: true, 42001: true}

// Adapter implements channel.Adapter, channel.PlatformProvider and
// channel.Receiver for DingTalk robots.
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

// Type returns the DingTalk channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the DingTalk channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "DingTalk",
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Markdown:    true,
			Attachments: true,
			Media:       true,
			Files:       true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: 4000,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

// Platform returns the upload and send glue for a robot. The robot code
// defaults to the app key, which is what internal apps use.
func (a *Adapter) Platform(cfg channel.ChannelConfig) (media.Platform, error) {
	if cfg.Credential().IsZero() {
		return nil, fmt.Errorf("dingtalk %s: app_id and secret are required", cfg.ID)
	}
	robotCode := strings.TrimSpace(cfg.RobotCode)
	if robotCode == "" {
		robotCode = strings.TrimSpace(cfg.AppID)
	}
	p := &platform{
		client:    a.client,
		apiBase:   token.DingTalkBaseURL,
		oapiBase:  OAPIBaseURL,
		robotCode: robotCode,
	}
	if endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"); endpoint != "" {
		p.apiBase = endpoint
		p.oapiBase = endpoint
	}
	return p, nil
}

type platform struct {
	client    *http.Client
	apiBase   string
	oapiBase  string
	robotCode string
}

func (p *platform) Name() string { return Type.String() }

// Capabilities: image messages take a public URL directly; voice and video
// messages need extra metadata, so other media travel as files.
func (p *platform) Capabilities() media.Capabilities {
	return media.Capabilities{File: true, URLClasses: []media.Class{media.ClassImage}}
}

func (p *platform) UploadURL(_ context.Context, _ string, _ string, ref string, class media.Class) (media.Handle, error) {
	if class != media.ClassImage {
		return media.Handle{}, fault.UnsupportedMediaType(p.Name(), string(class))
	}
	return media.Handle{Class: class, Key: ref}, nil
}

func (p *platform) Upload(ctx context.Context, tok string, _ string, asset media.Asset) (media.Handle, error) {
	kind := "file"
	if asset.Class == media.ClassImage {
		kind = "image"
	}
	name := strings.TrimSpace(asset.FileName)
	if name == "" {
		name = "attachment"
	}
	query := url.Values{"access_token": {tok}, "type": {kind}}
	var out struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	part := common.FilePart{Field: "media", FileName: name, Mime: asset.Mime, Data: asset.Data}
	res, err := common.PostMultipart(ctx, p.client, p.oapiBase+"/media/upload?"+query.Encode(), nil, part, nil, &out)
	if err != nil {
		return media.Handle{}, fault.Upload(p.Name(), res.Status, res.Body, err)
	}
	if expiredTokenCodes[out.ErrCode] {
		return media.Handle{}, fault.ExpiredToken(p.Name(), res.Status, res.Body)
	}
	if !res.OK() || out.ErrCode != 0 || out.MediaID == "" {
		return media.Handle{}, fault.Upload(p.Name(), res.Status, res.Body, nil)
	}
	return media.Handle{Class: asset.Class, Key: out.MediaID, FileName: name}, nil
}

func (p *platform) SendMedia(ctx context.Context, tok string, target string, handle media.Handle) (media.Receipt, error) {
	if handle.Class == media.ClassImage {
		return p.send(ctx, tok, target, "sampleImageMsg", map[string]string{"photoURL": handle.Key})
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(handle.FileName)), ".")
	if ext == "" {
		ext = "file"
	}
	return p.send(ctx, tok, target, "sampleFile", map[string]string{
		"mediaId":  handle.Key,
		"fileName": handle.FileName,
		"fileType": ext,
	})
}

func (p *platform) SendText(ctx context.Context, tok string, target string, text string) (media.Receipt, error) {
	return p.send(ctx, tok, target, "sampleText", map[string]string{"content": text})
}

// send addresses "user:STAFFID" (or a bare id) through oToMessages and
// "group:OPENCONVERSATIONID" through groupMessages.
func (p *platform) send(ctx context.Context, tok, target, msgKey string, param map[string]string) (media.Receipt, error) {
	scope, id := media.SplitTarget(target)
	if id == "" {
		return media.Receipt{}, fault.Send(p.Name(), 0, nil, fmt.Errorf("target is required"))
	}
	rawParam, err := json.Marshal(param)
	if err != nil {
		return media.Receipt{}, fmt.Errorf("marshal msgParam: %w", err)
	}
	payload := map[string]any{
		"robotCode": p.robotCode,
		"msgKey":    msgKey,
		"msgParam":  string(rawParam),
	}
	var endpoint string
	switch scope {
	case "", "user":
		endpoint = p.apiBase + "/v1.0/robot/oToMessages/batchSend"
		payload["userIds"] = []string{id}
	case "group":
		endpoint = p.apiBase + "/v1.0/robot/groupMessages/send"
		payload["openConversationId"] = id
	default:
		return media.Receipt{}, fault.Send(p.Name(), 0, nil, fmt.Errorf("unsupported target scope %q", scope))
	}

	header := http.Header{}
	header.Set(tokenHeader, tok)
	var out struct {
		ProcessQueryKey string `json:"processQueryKey"`
		Code            string `json:"code"`
		Message         string `json:"message"`
	}
	res, err := common.DoJSON(ctx, p.client, http.MethodPost, endpoint, header, payload, &out)
	if err != nil {
		return media.Receipt{}, fault.Send(p.Name(), res.Status, res.Body, err)
	}
	if res.Status == http.StatusUnauthorized || isTokenError(res) {
		return media.Receipt{}, fault.ExpiredToken(p.Name(), res.Status, res.Body)
	}
	if !res.OK() {
		return media.Receipt{}, fault.Send(p.Name(), res.Status, res.Body, nil)
	}
	return media.Receipt{ID: out.ProcessQueryKey}, nil
}

// isTokenError recognizes the 400 the v1.0 APIs answer for a stale token.
func isTokenError(res common.Response) bool {
	if res.Status != http.StatusBadRequest {
		return false
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return false
	}
	return body.Code == "InvalidAuthentication"
}
