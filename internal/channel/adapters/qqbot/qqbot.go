// Package qqbot implements the QQ bot open platform adapter. Only outbound
// delivery is provided; inbound messages arrive over the bot gateway, which
// is not part of this bridge.
package qqbot

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/channel/adapters/common"
	"github.com/memohai/imbridge/internal/fault"
	"github.com/memohai/imbridge/internal/media"
	"github.com/memohai/imbridge/internal/token"
)

// Type is the QQ bot channel type.
const Type = channel.ChannelQQBot

const (
	// APIBaseURL is the bot OpenAPI host.
	APIBaseURL = "https://api.sgroup.qq.com"
	authScheme = "QQBot"
)

// Rich media file types of the v2 files endpoint.
const (
	fileTypeImage = 1
	fileTypeVideo = 2
	fileTypeVoice = 3
)

// Message types of the v2 messages endpoint.
const (
	msgTypeText  = 0
	msgTypeMedia = 7
)

// Adapter implements channel.Adapter and channel.PlatformProvider for QQ bots.
type Adapter struct {
	logger *slog.Logger
	client *http.Client
	tokens token.Source
}

// NewAdapter creates an Adapter. When tokens is set, requests are
// authorized straight from the token cache through an oauth2 transport.
func NewAdapter(log *slog.Logger, client *http.Client, tokens token.Source) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", Type.String())),
		client: common.Client(client),
		tokens: tokens,
	}
}

// Type returns the QQ bot channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the QQ bot channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "QQ Bot",
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Attachments: true,
			Media:       true,
			Reply:       true,
		},
		OutboundPolicy: channel.OutboundPolicy{TextChunkLimit: 2000},
	}
}

// Platform returns the upload and send glue for a bot account.
func (a *Adapter) Platform(cfg channel.ChannelConfig) (media.Platform, error) {
	cred := cfg.Credential()
	if cred.IsZero() {
		return nil, fmt.Errorf("qqbot %s: app_id and secret are required", cfg.ID)
	}
	p := &platform{
		base:    a.client,
		baseURL: APIBaseURL,
	}
	if endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"); endpoint != "" {
		p.baseURL = endpoint
	}
	if a.tokens != nil {
		ts := token.TokenSource(context.Background(), a.tokens, cred, authScheme)
		p.authed = token.NewHTTPClient(a.client, ts)
	}
	return p, nil
}

type platform struct {
	base    *http.Client
	authed  *http.Client
	baseURL string
}

func (p *platform) Name() string { return Type.String() }

// Capabilities: the files endpoint fetches remote media itself and has no
// generic file type; voice must be SILK.
func (p *platform) Capabilities() media.Capabilities {
	return media.Capabilities{
		URLClasses: []media.Class{media.ClassImage, media.ClassVideo, media.ClassAudio},
		AudioCodec: media.CodecSilk,
	}
}

func (p *platform) UploadURL(ctx context.Context, tok string, target string, ref string, class media.Class) (media.Handle, error) {
	return p.upload(ctx, tok, target, class, map[string]any{"url": ref})
}

func (p *platform) Upload(ctx context.Context, tok string, target string, asset media.Asset) (media.Handle, error) {
	return p.upload(ctx, tok, target, asset.Class, map[string]any{
		"file_data": base64.StdEncoding.EncodeToString(asset.Data),
	})
}

func (p *platform) upload(ctx context.Context, tok, target string, class media.Class, payload map[string]any) (media.Handle, error) {
	fileType, ok := fileTypeOf(class)
	if !ok {
		return media.Handle{}, fault.UnsupportedMediaType(p.Name(), string(class))
	}
	path, err := resourcePath(target)
	if err != nil {
		return media.Handle{}, fault.Upload(p.Name(), 0, nil, err)
	}
	payload["file_type"] = fileType
	payload["srv_send_msg"] = false
	var out struct {
		FileUUID string `json:"file_uuid"`
		FileInfo string `json:"file_info"`
		TTL      int64  `json:"ttl"`
	}
	res, err := common.DoJSON(ctx, p.client(tok), http.MethodPost, p.baseURL+path+"/files", nil, payload, &out)
	if err != nil {
		return media.Handle{}, fault.Upload(p.Name(), res.Status, res.Body, err)
	}
	if res.Status == http.StatusUnauthorized {
		return media.Handle{}, fault.ExpiredToken(p.Name(), res.Status, res.Body)
	}
	if !res.OK() || out.FileInfo == "" {
		return media.Handle{}, fault.Upload(p.Name(), res.Status, res.Body, nil)
	}
	return media.Handle{
		Class: class,
		Key:   out.FileInfo,
		Extra: map[string]string{"file_uuid": out.FileUUID},
	}, nil
}

func (p *platform) SendMedia(ctx context.Context, tok string, target string, handle media.Handle) (media.Receipt, error) {
	return p.send(ctx, tok, target, map[string]any{
		"msg_type": msgTypeMedia,
		"media":    map[string]string{"file_info": handle.Key},
	})
}

func (p *platform) SendText(ctx context.Context, tok string, target string, text string) (media.Receipt, error) {
	return p.send(ctx, tok, target, map[string]any{
		"msg_type": msgTypeText,
		"content":  text,
	})
}

func (p *platform) send(ctx context.Context, tok, target string, payload map[string]any) (media.Receipt, error) {
	path, err := resourcePath(target)
	if err != nil {
		return media.Receipt{}, fault.Send(p.Name(), 0, nil, err)
	}
	var out struct {
		ID        string `json:"id"`
		Timestamp any    `json:"timestamp"`
	}
	res, err := common.DoJSON(ctx, p.client(tok), http.MethodPost, p.baseURL+path+"/messages", nil, payload, &out)
	if err != nil {
		return media.Receipt{}, fault.Send(p.Name(), res.Status, res.Body, err)
	}
	if res.Status == http.StatusUnauthorized {
		return media.Receipt{}, fault.ExpiredToken(p.Name(), res.Status, res.Body)
	}
	if !res.OK() {
		return media.Receipt{}, fault.Send(p.Name(), res.Status, res.Body, nil)
	}
	return media.Receipt{ID: out.ID, Timestamp: parseTimestamp(out.Timestamp)}, nil
}

// client authorizes with the cache when configured, else with tok.
func (p *platform) client(tok string) *http.Client {
	if p.authed != nil {
		return p.authed
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: authScheme})
	return token.NewHTTPClient(p.base, ts)
}

// resourcePath maps "user:OPENID" or "group:OPENID" onto the v2 resource.
func resourcePath(target string) (string, error) {
	scope, id := media.SplitTarget(target)
	if id == "" {
		return "", fmt.Errorf("target is required")
	}
	switch scope {
	case "", "user", "c2c":
		return "/v2/users/" + url.PathEscape(id), nil
	case "group":
		return "/v2/groups/" + url.PathEscape(id), nil
	default:
		return "", fmt.Errorf("unsupported target scope %q", scope)
	}
}

func fileTypeOf(class media.Class) (int, bool) {
	switch class {
	case media.ClassImage:
		return fileTypeImage, true
	case media.ClassVideo:
		return fileTypeVideo, true
	case media.ClassAudio:
		return fileTypeVoice, true
	default:
		return 0, false
	}
}

// parseTimestamp accepts the RFC 3339 string or unix seconds the API returns.
func parseTimestamp(raw any) time.Time {
	switch v := raw.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts
		}
	case float64:
		return time.Unix(int64(v), 0).UTC()
	}
	return time.Time{}
}
