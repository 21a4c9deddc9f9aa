package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/imbridge/internal/fault"
)

const (
	DingTalkBaseURL = "https://api.dingtalk.com"
	FeishuBaseURL   = "https://open.feishu.cn"
	LarkBaseURL     = "https://open.larksuite.com"
	WeComBaseURL    = "https://qyapi.weixin.qq.com"
	QQBotAuthURL    = "https://bots.qq.com"

	maxTokenResponseBytes = 64 << 10
)

// DingTalkFetcher exchanges appKey/appSecret for an app access token.
type DingTalkFetcher struct {
	Client  *http.Client
	BaseURL string
}

// Fetch implements Fetcher.
func (f *DingTalkFetcher) Fetch(ctx context.Context, cred Credential) (string, time.Duration, error) {
	payload := map[string]string{"appKey": cred.AppID, "appSecret": cred.Secret}
	var out struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int64  `json:"expireIn"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	endpoint := baseURL(cred.Endpoint, f.BaseURL, DingTalkBaseURL) + "/v1.0/oauth2/accessToken"
	status, body, err := postJSON(ctx, f.Client, endpoint, payload, &out)
	if err != nil {
		return "", 0, err
	}
	if status != http.StatusOK || out.AccessToken == "" {
		return "", 0, fault.Auth(PlatformDingTalk, status, body)
	}
	ttl := out.ExpireIn
	if ttl == 0 {
		ttl = out.ExpiresIn
	}
	return out.AccessToken, time.Duration(ttl) * time.Second, nil
}

// FeishuFetcher exchanges app_id/app_secret for a tenant access token.
type FeishuFetcher struct {
	Client  *http.Client
	BaseURL string
}

// Fetch implements Fetcher.
func (f *FeishuFetcher) Fetch(ctx context.Context, cred Credential) (string, time.Duration, error) {
	payload := map[string]string{"app_id": cred.AppID, "app_secret": cred.Secret}
	var out struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int64  `json:"expire"`
	}
	endpoint := baseURL(cred.Endpoint, f.BaseURL, FeishuBaseURL) + "/open-apis/auth/v3/tenant_access_token/internal"
	status, body, err := postJSON(ctx, f.Client, endpoint, payload, &out)
	if err != nil {
		return "", 0, err
	}
	if status != http.StatusOK || out.Code != 0 || out.TenantAccessToken == "" {
		return "", 0, fault.Auth(PlatformFeishu, status, body)
	}
	return out.TenantAccessToken, time.Duration(out.Expire) * time.Second, nil
}

// WeComAppFetcher exchanges corpid/corpsecret for an application access token.
type WeComAppFetcher struct {
	Client  *http.Client
	BaseURL string
}

// Fetch implements Fetcher.
func (f *WeComAppFetcher) Fetch(ctx context.Context, cred Credential) (string, time.Duration, error) {
	query := url.Values{}
	query.Set("corpid", cred.AppID)
	query.Set("corpsecret", cred.Secret)
	endpoint := baseURL(cred.Endpoint, f.BaseURL, WeComBaseURL) + "/cgi-bin/gettoken?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	var out struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	status, body, err := doJSON(f.Client, req, &out)
	if err != nil {
		return "", 0, err
	}
	if status != http.StatusOK || out.ErrCode != 0 || out.AccessToken == "" {
		return "", 0, fault.Auth(PlatformWeComApp, status, body)
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

// QQBotFetcher exchanges appId/clientSecret for a bot app access token.
type QQBotFetcher struct {
	Client  *http.Client
	BaseURL string
}

// Fetch implements Fetcher.
func (f *QQBotFetcher) Fetch(ctx context.Context, cred Credential) (string, time.Duration, error) {
	payload := map[string]string{"appId": cred.AppID, "clientSecret": cred.Secret}
	var out struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	endpoint := baseURL(cred.Endpoint, f.BaseURL, QQBotAuthURL) + "/app/getAppAccessToken"
	status, body, err := postJSON(ctx, f.Client, endpoint, payload, &out)
	if err != nil {
		return "", 0, err
	}
	if status != http.StatusOK || out.AccessToken == "" {
		return "", 0, fault.Auth(PlatformQQBot, status, body)
	}
	// The endpoint reports expires_in as a quoted number.
	seconds, err := strconv.ParseInt(strings.Trim(string(out.ExpiresIn), `" `), 10, 64)
	if err != nil {
		return "", 0, fault.Auth(PlatformQQBot, status, body)
	}
	return out.AccessToken, time.Duration(seconds) * time.Second, nil
}

// RegisterDefaults registers the bundled fetchers on c using client.
func RegisterDefaults(c *Cache, client *http.Client) {
	c.Register(PlatformDingTalk, &DingTalkFetcher{Client: client})
	c.Register(PlatformFeishu, &FeishuFetcher{Client: client})
	c.Register(PlatformWeComApp, &WeComAppFetcher{Client: client})
	c.Register(PlatformQQBot, &QQBotFetcher{Client: client})
}

func baseURL(override, configured, fallback string) string {
	for _, candidate := range []string{override, configured, fallback} {
		if v := strings.TrimRight(strings.TrimSpace(candidate), "/"); v != "" {
			return v
		}
	}
	return ""
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload any, out any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return doJSON(client, req, out)
}

// doJSON performs req and decodes a JSON body into out. A body that is not
// JSON is not an error by itself; the caller inspects status and fields.
func doJSON(client *http.Client, req *http.Request, out any) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("token request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read token response: %w", err)
	}
	_ = json.Unmarshal(body, out)
	return resp.StatusCode, body, nil
}
