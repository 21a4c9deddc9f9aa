package media

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/imbridge/internal/fault"
	"github.com/memohai/imbridge/internal/token"
)

type fakePlatform struct {
	mu   sync.Mutex
	caps Capabilities

	uploadErr  []error
	uploadURLs []string
	uploads    []Asset
	sendErr    []error
	sent       []Handle
	texts      []string
	textErr    error
	tokensSeen []string
}

func (p *fakePlatform) Name() string               { return "fake" }
func (p *fakePlatform) Capabilities() Capabilities { return p.caps }

func (p *fakePlatform) UploadURL(_ context.Context, tok, _, url string, class Class) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensSeen = append(p.tokensSeen, tok)
	p.uploadURLs = append(p.uploadURLs, url)
	return Handle{Class: class, Key: "url-key"}, nil
}

func (p *fakePlatform) Upload(_ context.Context, tok, _ string, asset Asset) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensSeen = append(p.tokensSeen, tok)
	p.uploads = append(p.uploads, asset)
	if len(p.uploadErr) > 0 {
		err := p.uploadErr[0]
		p.uploadErr = p.uploadErr[1:]
		if err != nil {
			return Handle{}, err
		}
	}
	return Handle{Key: "key-" + asset.FileName}, nil
}

func (p *fakePlatform) SendMedia(_ context.Context, tok, _ string, handle Handle) (Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensSeen = append(p.tokensSeen, tok)
	p.sent = append(p.sent, handle)
	if len(p.sendErr) > 0 {
		err := p.sendErr[0]
		p.sendErr = p.sendErr[1:]
		if err != nil {
			return Receipt{}, err
		}
	}
	return Receipt{ID: "msg-" + handle.Key}, nil
}

func (p *fakePlatform) SendText(_ context.Context, tok, _, text string) (Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensSeen = append(p.tokensSeen, tok)
	p.texts = append(p.texts, text)
	if p.textErr != nil {
		return Receipt{}, p.textErr
	}
	return Receipt{ID: "text", Timestamp: time.Unix(1700000000, 0)}, nil
}

type fakeTokens struct {
	mu          sync.Mutex
	gets        int
	invalidated []string
}

func (f *fakeTokens) Get(_ context.Context, cred token.Credential) (token.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return token.Token{Value: "tok" + string(rune('0'+f.gets)), AccountKey: cred.Key()}, nil
}

func (f *fakeTokens) Invalidate(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, key)
}

var testCred = token.Credential{Platform: "fake", AppID: "app"}

func newTestTransfer(t *testing.T, p *fakePlatform, tokens token.Source, opts Options) (*Transfer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewTransfer(log, p, tokens, testCred, opts), &buf
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestDeliverUploadsAndSends(t *testing.T) {
	t.Parallel()

	p := &fakePlatform{caps: Capabilities{File: true}}
	tokens := &fakeTokens{}
	tr, _ := newTestTransfer(t, p, tokens, Options{})

	ref := writeTemp(t, "photo.png", []byte("\x89PNG\r\n\x1a\n"))
	receipt, err := tr.Deliver(context.Background(), "chat-1", ref, "")
	require.NoError(t, err)
	assert.Equal(t, "msg-key-photo.png", receipt.ID)
	assert.False(t, receipt.Timestamp.IsZero())

	require.Len(t, p.uploads, 1)
	assert.Equal(t, ClassImage, p.uploads[0].Class)
	assert.Equal(t, int64(8), p.uploads[0].SizeBytes)
	require.Len(t, p.sent, 1)
	assert.Equal(t, ClassImage, p.sent[0].Class)
	assert.Equal(t, []string{"tok1", "tok2"}, p.tokensSeen)
}

func TestDeliverRejectsFileOnPlatformWithoutFiles(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected fetch of %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	p := &fakePlatform{caps: Capabilities{File: false}}
	tr, _ := newTestTransfer(t, p, nil, Options{})

	_, err := tr.Deliver(context.Background(), "chat", srv.URL+"/report.pdf", "")
	require.ErrorIs(t, err, fault.ErrUnsupportedMediaType)
	assert.Empty(t, p.uploads)
}

func TestDeliverSniffsUntypedReferences(t *testing.T) {
	t.Parallel()

	p := &fakePlatform{caps: Capabilities{File: false}}
	tr, _ := newTestTransfer(t, p, nil, Options{})

	text := writeTemp(t, "blob", []byte("just some text"))
	_, err := tr.Deliver(context.Background(), "chat", text, "")
	require.ErrorIs(t, err, fault.ErrUnsupportedMediaType)
	assert.Empty(t, p.uploads)

	png := writeTemp(t, "download", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	_, err = tr.Deliver(context.Background(), "chat", png, "")
	require.NoError(t, err)
	require.Len(t, p.uploads, 1)
	assert.Equal(t, ClassImage, p.uploads[0].Class)

	_, err = tr.Deliver(context.Background(), "chat", png, ClassFile)
	require.ErrorIs(t, err, fault.ErrUnsupportedMediaType)
	assert.Len(t, p.uploads, 1)
}

func TestDeliverPrefersURLUpload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("remote media should not be fetched locally")
	}))
	t.Cleanup(srv.Close)

	p := &fakePlatform{caps: Capabilities{URLClasses: []Class{ClassImage}}}
	tr, _ := newTestTransfer(t, p, nil, Options{})

	receipt, err := tr.Deliver(context.Background(), "chat", srv.URL+"/cat.jpg", "")
	require.NoError(t, err)
	assert.Equal(t, "msg-url-key", receipt.ID)
	assert.Equal(t, []string{srv.URL + "/cat.jpg"}, p.uploadURLs)
	assert.Empty(t, p.uploads)
}

func TestDeliverOversizeNeverUploads(t *testing.T) {
	t.Parallel()

	p := &fakePlatform{caps: Capabilities{File: true}}
	tr, _ := newTestTransfer(t, p, nil, Options{MaxBytes: 4})

	ref := writeTemp(t, "big.bin", []byte("0123456789"))
	_, err := tr.Deliver(context.Background(), "chat", ref, ClassFile)
	require.ErrorIs(t, err, fault.ErrFileSizeLimit)
	assert.Empty(t, p.uploads)
	assert.Empty(t, p.sent)
}

type fakeTranscoder struct {
	err   error
	calls int
}

func (f *fakeTranscoder) Transcode(_ context.Context, data []byte, _ string, codec string) ([]byte, string, error) {
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	return append([]byte(codec+":"), data...), "voice." + codec, nil
}

func TestDeliverTranscodesAudio(t *testing.T) {
	t.Parallel()

	tc := &fakeTranscoder{}
	p := &fakePlatform{caps: Capabilities{AudioCodec: CodecSilk}}
	tr, _ := newTestTransfer(t, p, nil, Options{Transcoder: tc})

	ref := writeTemp(t, "speech.mp3", []byte("mp3"))
	_, err := tr.Deliver(context.Background(), "chat", ref, "")
	require.NoError(t, err)
	require.Len(t, p.uploads, 1)
	assert.Equal(t, "silk:mp3", string(p.uploads[0].Data))
	assert.Equal(t, "voice.silk", p.uploads[0].FileName)
	assert.Equal(t, 1, tc.calls)
}

func TestDeliverFallsBackToOriginalAudio(t *testing.T) {
	t.Parallel()

	tc := &fakeTranscoder{err: errors.New("ffmpeg missing")}
	p := &fakePlatform{caps: Capabilities{AudioCodec: CodecAMR}}
	tr, logs := newTestTransfer(t, p, nil, Options{Transcoder: tc})

	ref := writeTemp(t, "speech.mp3", []byte("mp3"))
	_, err := tr.Deliver(context.Background(), "chat", ref, "")
	require.NoError(t, err)
	require.Len(t, p.uploads, 1)
	assert.Equal(t, "mp3", string(p.uploads[0].Data))
	assert.Equal(t, "speech.mp3", p.uploads[0].FileName)
	assert.Contains(t, logs.String(), "audio strategy failed")
}

func TestDeliverSkipsTranscodeForNativeCodec(t *testing.T) {
	t.Parallel()

	tc := &fakeTranscoder{}
	p := &fakePlatform{caps: Capabilities{AudioCodec: CodecAMR}}
	tr, _ := newTestTransfer(t, p, nil, Options{Transcoder: tc})

	ref := writeTemp(t, "voice.amr", []byte("#!AMR\n"))
	_, err := tr.Deliver(context.Background(), "chat", ref, "")
	require.NoError(t, err)
	assert.Zero(t, tc.calls)
}

func TestDeliverRetriesOnceOnExpiredToken(t *testing.T) {
	t.Parallel()

	p := &fakePlatform{
		caps:      Capabilities{File: true},
		uploadErr: []error{fault.ExpiredToken("fake", 401, []byte("token expired"))},
	}
	tokens := &fakeTokens{}
	tr, _ := newTestTransfer(t, p, tokens, Options{})

	ref := writeTemp(t, "a.txt", []byte("hi"))
	_, err := tr.Deliver(context.Background(), "chat", ref, ClassFile)
	require.NoError(t, err)
	assert.Len(t, p.uploads, 2)
	assert.Equal(t, []string{testCred.Key()}, tokens.invalidated)
	assert.Equal(t, []string{"tok1", "tok2", "tok3"}, p.tokensSeen)
}

func TestDeliverWrapsPlatformErrors(t *testing.T) {
	t.Parallel()

	p := &fakePlatform{caps: Capabilities{File: true}, uploadErr: []error{errors.New("connection reset")}}
	tr, _ := newTestTransfer(t, p, nil, Options{})
	ref := writeTemp(t, "a.txt", []byte("hi"))

	_, err := tr.Deliver(context.Background(), "chat", ref, ClassFile)
	require.ErrorIs(t, err, fault.ErrUpload)

	p = &fakePlatform{caps: Capabilities{File: true}, sendErr: []error{errors.New("503")}}
	tr, _ = newTestTransfer(t, p, nil, Options{})
	_, err = tr.Deliver(context.Background(), "chat", ref, ClassFile)
	require.ErrorIs(t, err, fault.ErrSend)
}

func TestDeliverWithFallbackFirstSuccessWins(t *testing.T) {
	t.Parallel()

	p := &fakePlatform{caps: Capabilities{File: true}}
	tr, _ := newTestTransfer(t, p, nil, Options{})
	first := writeTemp(t, "one.txt", []byte("1"))
	second := writeTemp(t, "two.txt", []byte("2"))

	res, err := tr.DeliverWithFallback(context.Background(), "chat", []Item{{Ref: first}, {Ref: second}}, "fallback")
	require.NoError(t, err)
	require.NotNil(t, res.Delivered)
	assert.Equal(t, first, res.Delivered.Ref)
	assert.False(t, res.Fallback)
	assert.Len(t, p.uploads, 1)
	assert.Empty(t, p.texts)
}

func TestDeliverWithFallbackSendsTextOnce(t *testing.T) {
	t.Parallel()

	p := &fakePlatform{caps: Capabilities{File: true}, uploadErr: []error{fault.Upload("fake", 500, []byte("boom"), nil)}}
	tr, logs := newTestTransfer(t, p, nil, Options{})
	ref := writeTemp(t, "doc.txt", []byte("hi"))

	res, err := tr.DeliverWithFallback(context.Background(), "chat", []Item{{Ref: ref}}, "see attachment")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Nil(t, res.Delivered)
	require.Len(t, res.Failures, 1)
	assert.Len(t, p.uploads, 1)
	require.Len(t, p.texts, 1)
	assert.Contains(t, p.texts[0], "see attachment")
	assert.Contains(t, p.texts[0], ref)
	assert.Equal(t, time.Unix(1700000000, 0), res.Receipt.Timestamp)
	assert.Equal(t, 1, strings.Count(logs.String(), `"msg":"media upload failed"`))
	assert.NotContains(t, logs.String(), "media send failed")
}

func TestDeliverWithFallbackDistinguishesSendFailure(t *testing.T) {
	t.Parallel()

	p := &fakePlatform{caps: Capabilities{File: true}, sendErr: []error{fault.Send("fake", 400, []byte("bad"), nil)}}
	tr, logs := newTestTransfer(t, p, nil, Options{})
	ref := writeTemp(t, "doc.txt", []byte("hi"))

	_, err := tr.DeliverWithFallback(context.Background(), "chat", []Item{{Ref: ref}}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(logs.String(), `"msg":"media send failed"`))
	assert.NotContains(t, logs.String(), "media upload failed")
	require.Len(t, p.texts, 1)
	assert.Equal(t, ref, p.texts[0])
}

func TestDeliverWithFallbackTextFailure(t *testing.T) {
	t.Parallel()

	p := &fakePlatform{
		caps:      Capabilities{File: true},
		uploadErr: []error{errors.New("nope")},
		textErr:   errors.New("offline"),
	}
	tr, _ := newTestTransfer(t, p, nil, Options{})
	ref := writeTemp(t, "doc.txt", []byte("hi"))

	res, err := tr.DeliverWithFallback(context.Background(), "chat", []Item{{Ref: ref}}, "text")
	require.ErrorIs(t, err, fault.ErrSend)
	assert.False(t, res.Fallback)
	assert.Len(t, res.Failures, 1)
}

func TestFallbackTextHidesDataURLs(t *testing.T) {
	t.Parallel()

	text := fallbackText("", []Failure{{Item: Item{Ref: "data:image/png;base64,AAAA"}}, {Item: Item{Ref: "https://x/y.png"}}})
	assert.Equal(t, "[image/png;base64 attachment]\nhttps://x/y.png", text)
}
