package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/imbridge/internal/auth"
	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/fault"
	"github.com/memohai/imbridge/internal/healthcheck"
	accountchecker "github.com/memohai/imbridge/internal/healthcheck/checkers/account"
	channelchecker "github.com/memohai/imbridge/internal/healthcheck/checkers/channel"
	"github.com/memohai/imbridge/internal/media"
	"github.com/memohai/imbridge/internal/server"
)

const (
	testSecret  = "handler-secret"
	fakeChannel = channel.ChannelType("fake")
)

type recordingPlatform struct {
	mu    sync.Mutex
	texts []string
}

func (p *recordingPlatform) Name() string { return "fake" }

func (p *recordingPlatform) Capabilities() media.Capabilities {
	return media.Capabilities{URLClasses: []media.Class{media.ClassImage}}
}

func (p *recordingPlatform) UploadURL(_ context.Context, _ string, _ string, ref string, class media.Class) (media.Handle, error) {
	return media.Handle{Class: class, Key: ref}, nil
}

func (p *recordingPlatform) Upload(context.Context, string, string, media.Asset) (media.Handle, error) {
	return media.Handle{}, fault.UnsupportedMediaType("fake", "file")
}

func (p *recordingPlatform) SendMedia(_ context.Context, _ string, _ string, handle media.Handle) (media.Receipt, error) {
	return media.Receipt{ID: "media-" + handle.Key}, nil
}

func (p *recordingPlatform) SendText(_ context.Context, _ string, target string, text string) (media.Receipt, error) {
	if target == "broken" {
		return media.Receipt{}, fault.Send("fake", http.StatusInternalServerError, []byte("boom"), nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	return media.Receipt{ID: "text-1"}, nil
}

func (p *recordingPlatform) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// fakeAdapter accepts callbacks whose X-Sig header is "ok" and whose body is
// not "garbage"; the body becomes the message text.
type fakeAdapter struct {
	platform *recordingPlatform
}

func (a *fakeAdapter) Type() channel.ChannelType { return fakeChannel }

func (a *fakeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: fakeChannel, DisplayName: "Fake"}
}

func (a *fakeAdapter) Platform(channel.ChannelConfig) (media.Platform, error) {
	return a.platform, nil
}

func (a *fakeAdapter) HandleWebhook(ctx context.Context, cfg channel.ChannelConfig, req channel.WebhookRequest, handler channel.InboundHandler) (channel.WebhookResponse, error) {
	if req.Method == http.MethodGet {
		return channel.WebhookResponse{Body: []byte(req.Query.Get("echostr"))}, nil
	}
	if req.Header.Get("X-Sig") != "ok" {
		return channel.WebhookResponse{}, fault.Signature("fake")
	}
	if string(req.Body) == "garbage" {
		return channel.WebhookResponse{}, fault.Integrity("fake", "undecodable")
	}
	msg := channel.InboundMessage{
		Message:      channel.Message{ID: "in-1", Text: string(req.Body)},
		ReplyTarget:  "user:u1",
		Sender:       channel.Identity{SubjectID: "u1"},
		Conversation: channel.Conversation{ID: "u1", Type: channel.ConversationP2P},
	}
	if err := handler(ctx, cfg, msg); err != nil {
		return channel.WebhookResponse{}, err
	}
	return channel.WebhookResponse{ContentType: echo.MIMEApplicationJSON, Body: []byte(`{"errcode":0}`)}, nil
}

type fixture struct {
	echo     *echo.Echo
	hub      *channel.Hub
	platform *recordingPlatform
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	platform := &recordingPlatform{}
	registry := channel.NewRegistry()
	registry.MustRegister(&fakeAdapter{platform: platform})
	accounts, err := channel.NewAccounts([]channel.ChannelConfig{
		{ID: "acc", ChannelType: fakeChannel},
		{ID: "off", ChannelType: fakeChannel, Disabled: true},
	})
	require.NoError(t, err)
	hub := channel.NewHub(nil, 8)
	dispatcher := channel.NewDispatcher(nil, registry, accounts, nil, channel.DispatcherOptions{})
	manager := channel.NewManager(nil, registry, accounts, hub.Handler())

	srv := server.NewServer(nil, "", testSecret,
		NewPingHandler(nil),
		NewWebhookHandler(nil, registry, accounts, hub.Handler()),
		NewChannelHandler(nil, registry, dispatcher, hub, manager),
		NewHealthHandler(nil,
			channelchecker.NewChecker(nil, manager),
			accountchecker.NewChecker(nil, accounts, registry),
		),
	)
	return fixture{echo: srv.Echo(), hub: hub, platform: platform}
}

func bearer(t *testing.T, accounts ...string) string {
	t.Helper()
	signed, _, err := auth.GenerateToken("runtime", testSecret, time.Hour, accounts...)
	require.NoError(t, err)
	return "Bearer " + signed
}

func (f fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

type stubChecker []healthcheck.CheckResult

func (s stubChecker) ListChecks(context.Context) []healthcheck.CheckResult { return s }

func TestHealthReportsAccounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report healthcheck.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, healthcheck.StatusOK, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "account.config.acc", report.Checks[0].ID)

	rec = f.do(httptest.NewRequest(http.MethodHead, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthFailingCheck(t *testing.T) {
	t.Parallel()

	e := echo.New()
	NewHealthHandler(nil, stubChecker{
		{ID: "a", Status: healthcheck.StatusOK},
		{ID: "b", Status: healthcheck.StatusError, Detail: "connect timeout"},
	}).Register(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connect timeout")
}

func TestWebhookPublishesVerifiedMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, stream, cancel := f.hub.Subscribe()
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/fake/acc", strings.NewReader("hello"))
	req.Header.Set("X-Sig", "ok")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"errcode":0}`, rec.Body.String())

	select {
	case msg := <-stream:
		assert.Equal(t, "hello", msg.Message.Text)
		assert.Equal(t, "acc", msg.AccountID)
		assert.Equal(t, fakeChannel, msg.Channel)
		assert.NotEmpty(t, msg.RouteKey)
	case <-time.After(time.Second):
		t.Fatal("message not published")
	}
}

func TestWebhookVerificationFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		path   string
		sig    string
		body   string
		status int
	}{
		{name: "bad signature", path: "/webhooks/fake/acc", body: "hello", status: http.StatusUnauthorized},
		{name: "bad envelope", path: "/webhooks/fake/acc", sig: "ok", body: "garbage", status: http.StatusBadRequest},
		{name: "unknown account", path: "/webhooks/fake/nope", sig: "ok", body: "hello", status: http.StatusNotFound},
		{name: "disabled account", path: "/webhooks/fake/off", sig: "ok", body: "hello", status: http.StatusForbidden},
		{name: "unknown channel", path: "/webhooks/telex/acc", sig: "ok", body: "hello", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			_, stream, cancel := f.hub.Subscribe()
			defer cancel()

			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set("X-Sig", tt.sig)
			rec := f.do(req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, stream)
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/fake/acc", strings.NewReader(strings.Repeat("a", int(webhookMaxBodyBytes)+1)))
	req.Header.Set("X-Sig", "ok")
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(req).Code)
}

func TestWebhookURLProbe(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/webhooks/fake/acc?echostr=abc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Body.String())
}

func sendRequest(t *testing.T, token string, payload string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, token)
	}
	return req
}

func TestSendDispatchesSanitizedText(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(sendRequest(t, bearer(t), `{"account_id":"acc","target":"user:u1","message":{"text":"<think>plan</think>Done."}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Receipts, 1)
	assert.Equal(t, "text-1", resp.Receipts[0].ID)
	assert.Equal(t, []string{"Done."}, f.platform.sent())
}

func TestSendSkipsSilentReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(sendRequest(t, bearer(t), `{"account_id":"acc","target":"u1","message":{"text":"NO_REPLY"}}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"skipped":true`)
	assert.Empty(t, f.platform.sent())
}

func TestSendErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		payload string
		status  int
	}{
		{name: "no token", token: func(*testing.T) string { return "" }, payload: `{"account_id":"acc","target":"u1","message":{"text":"hi"}}`, status: http.StatusUnauthorized},
		{name: "out of scope", token: func(t *testing.T) string { return bearer(t, "other") }, payload: `{"account_id":"acc","target":"u1","message":{"text":"hi"}}`, status: http.StatusForbidden},
		{name: "missing target", token: func(t *testing.T) string { return bearer(t) }, payload: `{"account_id":"acc","message":{"text":"hi"}}`, status: http.StatusBadRequest},
		{name: "unknown account", token: func(t *testing.T) string { return bearer(t) }, payload: `{"account_id":"nope","target":"u1","message":{"text":"hi"}}`, status: http.StatusNotFound},
		{name: "bad kind", token: func(t *testing.T) string { return bearer(t) }, payload: `{"account_id":"acc","target":"u1","kind":"shout","message":{"text":"hi"}}`, status: http.StatusBadRequest},
		{name: "platform rejects", token: func(t *testing.T) string { return bearer(t) }, payload: `{"account_id":"acc","target":"broken","message":{"text":"hi"}}`, status: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			rec := f.do(sendRequest(t, tt.token(t), tt.payload))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestConnectionsAndChannels(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	req.Header.Set(echo.HeaderAuthorization, bearer(t))
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set(echo.HeaderAuthorization, bearer(t))
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Fake"`)
}

func TestEventStream(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ts := httptest.NewServer(f.echo)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?account=acc", nil)
	require.NoError(t, err)
	req.Header.Set(echo.HeaderAuthorization, bearer(t))
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": subscribed\n", line)

	// Filtered out by the account parameter.
	f.hub.Publish(channel.InboundMessage{AccountID: "other", Message: channel.Message{Text: "skip"}})
	f.hub.Publish(channel.InboundMessage{AccountID: "acc", Channel: fakeChannel, Message: channel.Message{ID: "m-1", Text: "hi"}})

	var data string
	for data == "" {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	var msg channel.InboundMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, "m-1", msg.Message.ID)
	assert.Equal(t, "acc", msg.AccountID)
}
