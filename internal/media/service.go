package media

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/memohai/imbridge/internal/fault"
	"github.com/memohai/imbridge/internal/token"
)

// Options bounds a Transfer.
type Options struct {
	MaxBytes   int64
	Timeout    time.Duration
	Transcoder Transcoder
	HTTPClient *http.Client
}

// Item is one queued media reference.
type Item struct {
	Ref   string
	Class Class
}

// Failure records why a queued item was not delivered.
type Failure struct {
	Item Item
	Err  error
}

// Result is the outcome of DeliverWithFallback.
type Result struct {
	Receipt Receipt
	// Delivered is the item that went out, nil when the text fallback was used.
	Delivered *Item
	// Fallback is set when the text fallback was sent.
	Fallback bool
	Failures []Failure
}

// Transfer delivers media for one platform account.
type Transfer struct {
	platform Platform
	tokens   token.Source
	cred     token.Credential
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewTransfer creates a transfer. tokens may be nil for keyless platforms.
func NewTransfer(log *slog.Logger, platform Platform, tokens token.Source, cred token.Credential, opts Options) *Transfer {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Transfer{
		platform: platform,
		tokens:   tokens,
		cred:     cred,
		opts:     opts,
		logger:   log.With(slog.String("service", "media"), slog.String("platform", platform.Name())),
		now:      time.Now,
	}
}

// Deliver sends one media message to target. An empty class is inferred
// from ref.
func (t *Transfer) Deliver(ctx context.Context, target, ref string, class Class) (Receipt, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Receipt{}, ErrEmptySource
	}
	guessed := !class.Valid()
	if guessed {
		class = Classify(ref, "")
	}
	caps := t.platform.Capabilities()
	// A reference without an extension is sniffed after the fetch instead.
	if class == ClassFile && !caps.File && !(guessed && untyped(ref)) {
		return Receipt{}, fault.UnsupportedMediaType(t.platform.Name(), string(class))
	}

	var (
		handle Handle
		err    error
	)
	if IsRemote(ref) && caps.AcceptsURL(class) && !t.needsTranscode(class, caps, ref) {
		handle, err = t.uploadURL(ctx, target, ref, class)
	} else {
		handle, err = t.fetchAndUpload(ctx, target, ref, class, caps)
	}
	if err != nil {
		return Receipt{}, err
	}
	return t.send(ctx, target, handle)
}

func (t *Transfer) needsTranscode(class Class, caps Capabilities, ref string) bool {
	if class != ClassAudio || caps.AudioCodec == "" || t.opts.Transcoder == nil {
		return false
	}
	return !hasCodecExt(ref, caps.AudioCodec)
}

func (t *Transfer) uploadURL(ctx context.Context, target, ref string, class Class) (Handle, error) {
	var handle Handle
	err := t.withToken(ctx, func(ctx context.Context, tok string) error {
		var err error
		handle, err = t.platform.UploadURL(ctx, tok, target, ref, class)
		return err
	})
	if err != nil {
		return Handle{}, t.uploadError(err)
	}
	return handle, nil
}

func (t *Transfer) fetchAndUpload(ctx context.Context, target, ref string, class Class, caps Capabilities) (Handle, error) {
	res, err := Read(ctx, ref, ReadOptions{
		Timeout:    t.opts.Timeout,
		MaxBytes:   t.opts.MaxBytes,
		HTTPClient: t.opts.HTTPClient,
	})
	if err != nil {
		return Handle{}, err
	}
	if class == ClassFile {
		class, _ = Refine(class, res.Data)
		if class == ClassFile && !caps.File {
			return Handle{}, fault.UnsupportedMediaType(t.platform.Name(), string(class))
		}
	}
	asset := Asset{
		SourceRef: ref,
		Class:     class,
		Data:      res.Data,
		SizeBytes: int64(len(res.Data)),
		FileName:  res.FileName,
		Mime:      res.Mime,
	}
	if class == ClassAudio && caps.AudioCodec != "" {
		asset = t.prepareAudio(ctx, asset, caps.AudioCodec)
	}

	var handle Handle
	err = t.withToken(ctx, func(ctx context.Context, tok string) error {
		var err error
		handle, err = t.platform.Upload(ctx, tok, target, asset)
		return err
	})
	if err != nil {
		return Handle{}, t.uploadError(err)
	}
	if handle.Class == "" {
		handle.Class = class
	}
	return handle, nil
}

type audioStrategy struct {
	name string
	run  func(ctx context.Context, asset Asset, codec string) (Asset, error)
}

// prepareAudio tries the transcode strategy first and always falls back to
// the original bytes.
func (t *Transfer) prepareAudio(ctx context.Context, asset Asset, codec string) Asset {
	strategies := []audioStrategy{
		{name: "transcode", run: t.transcode},
		{name: "original", run: keepOriginal},
	}
	for _, s := range strategies {
		out, err := s.run(ctx, asset, codec)
		if err == nil {
			return out
		}
		t.logger.Warn("audio strategy failed",
			slog.String("strategy", s.name),
			slog.String("codec", codec),
			slog.String("ref", asset.SourceRef),
			slog.Any("error", err))
	}
	return asset
}

func (t *Transfer) transcode(ctx context.Context, asset Asset, codec string) (Asset, error) {
	if hasCodecExt(asset.FileName, codec) {
		return asset, nil
	}
	if t.opts.Transcoder == nil {
		return Asset{}, errors.New("no transcoder configured")
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()
	data, name, err := t.opts.Transcoder.Transcode(ctx, asset.Data, asset.FileName, codec)
	if err != nil {
		return Asset{}, err
	}
	asset.Data = data
	asset.SizeBytes = int64(len(data))
	asset.FileName = name
	asset.Mime = "audio/" + codec
	return asset, nil
}

func keepOriginal(_ context.Context, asset Asset, _ string) (Asset, error) {
	return asset, nil
}

func (t *Transfer) send(ctx context.Context, target string, handle Handle) (Receipt, error) {
	var receipt Receipt
	err := t.withToken(ctx, func(ctx context.Context, tok string) error {
		var err error
		receipt, err = t.platform.SendMedia(ctx, tok, target, handle)
		return err
	})
	if err != nil {
		return Receipt{}, t.sendError(err)
	}
	return t.stamp(receipt), nil
}

// DeliverWithFallback tries each queued item in order and stops at the
// first success. When none succeeds a single text message carrying
// textFallback and every failed reference is sent instead.
func (t *Transfer) DeliverWithFallback(ctx context.Context, target string, queue []Item, textFallback string) (Result, error) {
	var result Result
	for i := range queue {
		item := queue[i]
		receipt, err := t.Deliver(ctx, target, item.Ref, item.Class)
		if err == nil {
			result.Receipt = receipt
			result.Delivered = &item
			return result, nil
		}
		result.Failures = append(result.Failures, Failure{Item: item, Err: err})
		t.logFailure(item, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
	}

	text := fallbackText(textFallback, result.Failures)
	if text == "" {
		return result, nil
	}
	receipt, err := t.SendText(ctx, target, text)
	if err != nil {
		t.logger.Error("fallback text send failed", slog.String("target", target), slog.Any("error", err))
		return result, err
	}
	result.Receipt = receipt
	result.Fallback = true
	return result, nil
}

// SendText sends a plain text message to target under the account token.
func (t *Transfer) SendText(ctx context.Context, target, text string) (Receipt, error) {
	var receipt Receipt
	err := t.withToken(ctx, func(ctx context.Context, tok string) error {
		var err error
		receipt, err = t.platform.SendText(ctx, tok, target, text)
		return err
	})
	if err != nil {
		return Receipt{}, t.sendError(err)
	}
	return t.stamp(receipt), nil
}

// Platform returns the platform the transfer delivers to.
func (t *Transfer) Platform() Platform {
	return t.platform
}

func (t *Transfer) logFailure(item Item, err error) {
	msg := "media upload failed"
	if fault.KindOf(err) == fault.KindSend {
		msg = "media send failed"
	}
	t.logger.Error(msg,
		slog.String("ref", item.Ref),
		slog.String("class", string(item.Class)),
		slog.String("kind", string(fault.KindOf(err))),
		slog.Any("error", err))
}

func fallbackText(textFallback string, failures []Failure) string {
	lines := make([]string, 0, len(failures)+1)
	if text := strings.TrimSpace(textFallback); text != "" {
		lines = append(lines, text)
	}
	for _, f := range failures {
		if ref := strings.TrimSpace(f.Item.Ref); ref != "" && !strings.Contains(textFallback, ref) {
			lines = append(lines, displayRef(ref))
		}
	}
	return strings.Join(lines, "\n")
}

// displayRef keeps inline data URLs out of the chat.
func displayRef(ref string) string {
	if strings.HasPrefix(strings.ToLower(ref), "data:") {
		header, _, _ := strings.Cut(ref, ",")
		return "[" + strings.TrimPrefix(header, "data:") + " attachment]"
	}
	return ref
}

func (t *Transfer) withToken(ctx context.Context, fn func(ctx context.Context, tok string) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()
	err := token.Do(ctx, t.tokens, t.cred, fn)
	return asTimeout(ctx, t.opts.Timeout, err)
}

func (t *Transfer) uploadError(err error) error {
	if fault.KindOf(err) != "" {
		return err
	}
	return fault.Upload(t.platform.Name(), 0, nil, err)
}

func (t *Transfer) sendError(err error) error {
	if fault.KindOf(err) != "" {
		return err
	}
	return fault.Send(t.platform.Name(), 0, nil, err)
}

func (t *Transfer) stamp(r Receipt) Receipt {
	if r.Timestamp.IsZero() {
		r.Timestamp = t.now()
	}
	return r
}

func untyped(ref string) bool {
	if strings.HasPrefix(strings.ToLower(ref), "data:") {
		header, _, _ := strings.Cut(ref, ",")
		mediaType, _, _ := strings.Cut(header[len("data:"):], ";")
		return strings.TrimSpace(mediaType) == ""
	}
	return filepath.Ext(refPath(ref)) == ""
}

func hasCodecExt(name, codec string) bool {
	ext := strings.ToLower(filepath.Ext(refPath(name)))
	switch codec {
	case CodecOpus:
		return ext == ".opus" || ext == ".ogg"
	default:
		return ext == "."+codec
	}
}
