package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/fault"
	"github.com/memohai/imbridge/internal/media"
	"github.com/memohai/imbridge/internal/token"
)

// 1x1 transparent PNG.
const pngDataURL = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

type apiCall struct {
	path  string
	query string
	auth  string
	body  string
}

type fakeOpenAPI struct {
	mu       sync.Mutex
	calls    []apiCall
	validTok string
}

func (f *fakeOpenAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization"), body: string(raw)})
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if r.Header.Get("Authorization") != "Bearer "+f.validTok {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":99991663,"msg":"Invalid access token for authorization."}`))
		return
	}
	switch r.URL.Path {
	case "/open-apis/im/v1/images":
		_, _ = w.Write([]byte(`{"code":0,"msg":"success","data":{"image_key":"img_v2_1"}}`))
	case "/open-apis/im/v1/files":
		_, _ = w.Write([]byte(`{"code":0,"msg":"success","data":{"file_key":"file_v2_1"}}`))
	case "/open-apis/im/v1/messages":
		_, _ = w.Write([]byte(`{"code":0,"msg":"success","data":{"message_id":"om_1","create_time":"1714528800000"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":404,"msg":"not found"}`))
	}
}

func (f *fakeOpenAPI) snapshot() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func newTransfer(t *testing.T, api *fakeOpenAPI, tokens ...string) (*media.Transfer, *atomic.Int32) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	var issued atomic.Int32
	cache := token.NewCache(nil)
	cache.Register(token.PlatformFeishu, token.FetcherFunc(func(context.Context, token.Credential) (string, time.Duration, error) {
		n := int(issued.Add(1))
		if n > len(tokens) {
			n = len(tokens)
		}
		return tokens[n-1], 2 * time.Hour, nil
	}))
	cfg := channel.ChannelConfig{ID: "fs", ChannelType: Type, AppID: "cli_a", Secret: "s", Endpoint: srv.URL}
	platform, err := NewAdapter(nil, srv.Client()).Platform(cfg)
	require.NoError(t, err)
	return media.NewTransfer(nil, platform, cache, cfg.Credential(), media.Options{}), &issued
}

func TestDeliverImageUploadsThenSends(t *testing.T) {
	t.Parallel()

	api := &fakeOpenAPI{validTok: "tok-1"}
	transfer, _ := newTransfer(t, api, "tok-1")

	receipt, err := transfer.Deliver(context.Background(), "chat_id:oc_9", pngDataURL, "")
	require.NoError(t, err)
	assert.Equal(t, "om_1", receipt.ID)
	assert.Equal(t, int64(1714528800000), receipt.Timestamp.UnixMilli())

	calls := api.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "/open-apis/im/v1/images", calls[0].path)
	assert.Equal(t, "Bearer tok-1", calls[0].auth)
	assert.Equal(t, "/open-apis/im/v1/messages", calls[1].path)
	assert.Contains(t, calls[1].query, "receive_id_type=chat_id")

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(calls[1].body), &body))
	assert.Equal(t, "oc_9", body["receive_id"])
	assert.Equal(t, larkim.MsgTypeImage, body["msg_type"])
	assert.JSONEq(t, `{"image_key":"img_v2_1"}`, body["content"])
	assert.NotEmpty(t, body["uuid"])
}

func TestSendTextRefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	api := &fakeOpenAPI{validTok: "tok-2"}
	transfer, issued := newTransfer(t, api, "tok-1", "tok-2")

	receipt, err := transfer.SendText(context.Background(), "ou_user", "hello\n**world**")
	require.NoError(t, err)
	assert.Equal(t, "om_1", receipt.ID)
	assert.Equal(t, int32(2), issued.Load())

	calls := api.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "Bearer tok-1", calls[0].auth)
	assert.Equal(t, "Bearer tok-2", calls[1].auth)
	assert.Contains(t, calls[1].query, "receive_id_type=open_id")
	assert.Contains(t, calls[1].body, `\"tag\":\"md\"`)
}

func TestUploadFailureIsUploadFault(t *testing.T) {
	t.Parallel()

	api := &fakeOpenAPI{validTok: "never"}
	transfer, _ := newTransfer(t, api, "tok-1")

	_, err := transfer.Deliver(context.Background(), "ou_user", pngDataURL, "")
	require.Error(t, err)
	// Still expired after the single retry.
	assert.True(t, fault.IsExpiredAuth(err) || errors.Is(err, fault.ErrUpload), "got %v", err)
	assert.Len(t, api.snapshot(), 2)
}

func TestPlatformRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewAdapter(nil, nil).Platform(channel.ChannelConfig{ID: "fs", ChannelType: Type, AppID: "cli_a"})
	assert.Error(t, err)
}

func TestResolveReceiveID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw      string
		wantID   string
		wantType string
		wantErr  bool
	}{
		{raw: "open_id:ou_1", wantID: "ou_1", wantType: larkim.ReceiveIdTypeOpenId},
		{raw: "user_id:u_1", wantID: "u_1", wantType: larkim.ReceiveIdTypeUserId},
		{raw: "chat_id:oc_1", wantID: "oc_1", wantType: larkim.ReceiveIdTypeChatId},
		{raw: "chat:oc_2", wantID: "oc_2", wantType: larkim.ReceiveIdTypeChatId},
		{raw: "oc_3", wantID: "oc_3", wantType: larkim.ReceiveIdTypeChatId},
		{raw: "ou_4", wantID: "ou_4", wantType: larkim.ReceiveIdTypeOpenId},
		{raw: "", wantErr: true},
		{raw: "chat_id:", wantErr: true},
	}
	for _, tt := range tests {
		id, kind, err := resolveReceiveID(tt.raw)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.wantID, id, tt.raw)
		assert.Equal(t, tt.wantType, kind, tt.raw)
	}
}

func TestResolveFileType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		asset    media.Asset
		fileType string
		msgType  string
	}{
		{media.Asset{Class: media.ClassAudio, FileName: "note.opus"}, larkim.FileTypeOpus, larkim.MsgTypeAudio},
		{media.Asset{Class: media.ClassAudio, FileName: "note.mp3", Mime: "audio/mpeg"}, larkim.FileTypeStream, larkim.MsgTypeFile},
		{media.Asset{Class: media.ClassVideo, FileName: "clip.mp4"}, larkim.FileTypeMp4, larkim.MsgTypeFile},
		{media.Asset{Class: media.ClassFile, FileName: "report.pdf"}, larkim.FileTypePdf, larkim.MsgTypeFile},
		{media.Asset{Class: media.ClassFile, FileName: "sheet.xlsx"}, larkim.FileTypeXls, larkim.MsgTypeFile},
		{media.Asset{Class: media.ClassFile, FileName: "archive.zip"}, larkim.FileTypeStream, larkim.MsgTypeFile},
	}
	for _, tt := range tests {
		fileType, msgType := resolveFileType(tt.asset)
		assert.Equal(t, tt.fileType, fileType, tt.asset.FileName)
		assert.Equal(t, tt.msgType, msgType, tt.asset.FileName)
	}
}

func TestExtractInboundPost(t *testing.T) {
	t.Parallel()

	raw := `{"schema":"2.0","header":{"event_type":"im.message.receive_v1"},"event":{"sender":{"sender_id":{"open_id":"ou_u","user_id":"u_u"}},"message":{"message_id":"om_7","chat_id":"oc_g","chat_type":"group","message_type":"post","create_time":"1714528800000","content":"{\"title\":\"\",\"content\":[[{\"tag\":\"at\",\"user_id\":\"ou_bot\",\"user_name\":\"bot\"},{\"tag\":\"text\",\"text\":\"see chart\"}],[{\"tag\":\"img\",\"image_key\":\"img_1\"}]]}"}}}`
	var event larkim.P2MessageReceiveV1
	require.NoError(t, json.Unmarshal([]byte(raw), &event))

	msg := extractInbound(&event, channel.ChannelConfig{ID: "fs"}, "ou_bot")
	assert.Equal(t, "fs", msg.AccountID)
	assert.Equal(t, "@bot see chart", msg.Message.Text)
	require.Len(t, msg.Message.Attachments, 1)
	assert.Equal(t, "img_1", msg.Message.Attachments[0].PlatformKey)
	assert.Equal(t, "chat_id:oc_g", msg.ReplyTarget)
	assert.Equal(t, "ou_u", msg.Sender.SubjectID)
	assert.Equal(t, true, msg.Metadata["is_mentioned"])
	assert.Equal(t, int64(1714528800000), msg.ReceivedAt.UnixMilli())

	other := extractInbound(&event, channel.ChannelConfig{ID: "fs"}, "ou_someone_else")
	assert.Equal(t, false, other.Metadata["is_mentioned"])
}

func TestExtractInboundMessageTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		msgType   string
		content   string
		wantText  string
		wantType  channel.AttachmentType
		wantKey   string
		mentioned bool
	}{
		{name: "text", msgType: "text", content: `{"text":" hi there "}`, wantText: "hi there"},
		{name: "text mention placeholder", msgType: "text", content: `{"text":"@_user_1 hi"}`, wantText: "@_user_1 hi", mentioned: true},
		{name: "image", msgType: "image", content: `{"image_key":"img_9"}`, wantType: channel.AttachmentImage, wantKey: "img_9"},
		{name: "audio", msgType: "audio", content: `{"file_key":"file_a"}`, wantType: channel.AttachmentAudio, wantKey: "file_a"},
		{name: "media", msgType: "media", content: `{"file_key":"file_v","file_name":"clip.mp4"}`, wantType: channel.AttachmentVideo, wantKey: "file_v"},
		{name: "file without key", msgType: "file", content: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := json.Marshal(map[string]any{
				"event": map[string]any{
					"sender":  map[string]any{"sender_id": map[string]any{"user_id": "u_1"}},
					"message": map[string]any{"message_id": "om_1", "chat_type": "p2p", "message_type": tt.msgType, "content": tt.content},
				},
			})
			require.NoError(t, err)
			var event larkim.P2MessageReceiveV1
			require.NoError(t, json.Unmarshal(raw, &event))

			msg := extractInbound(&event, channel.ChannelConfig{ID: "fs"}, "")
			assert.Equal(t, tt.wantText, msg.Message.Text)
			assert.Equal(t, "user_id:u_1", msg.ReplyTarget)
			assert.Equal(t, "u_1", msg.Sender.SubjectID)
			assert.Equal(t, tt.mentioned, msg.Metadata["is_mentioned"])
			if tt.wantKey == "" {
				assert.Empty(t, msg.Message.Attachments)
				return
			}
			require.Len(t, msg.Message.Attachments, 1)
			assert.Equal(t, tt.wantType, msg.Message.Attachments[0].Type)
			assert.Equal(t, tt.wantKey, msg.Message.Attachments[0].PlatformKey)
		})
	}
}

func TestExtractInboundNilEvent(t *testing.T) {
	t.Parallel()

	msg := extractInbound(nil, channel.ChannelConfig{ID: "fs"}, "ou_bot")
	assert.Equal(t, "fs", msg.AccountID)
	assert.Equal(t, Type, msg.Channel)
	assert.Empty(t, msg.Message.Text)
}

func TestBuildPostContent(t *testing.T) {
	t.Parallel()

	content, err := buildPostContent("line one\nline two")
	require.NoError(t, err)
	assert.JSONEq(t, `{"zh_cn":{"title":"","content":[[{"tag":"md","text":"line one"}],[{"tag":"md","text":"line two"}]]}}`, content)
	assert.False(t, strings.Contains(content, "\\n"))
}
