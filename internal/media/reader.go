package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/memohai/imbridge/internal/fault"
)

// ReadOptions bounds a single Read.
type ReadOptions struct {
	Timeout    time.Duration
	MaxBytes   int64
	HTTPClient *http.Client
}

// ReadResult is a fetched payload.
type ReadResult struct {
	Data     []byte
	FileName string
	Mime     string
}

func (o ReadOptions) normalized() ReadOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.HTTPClient.Timeout > 0 {
		// The context deadline is the fetch budget; a shorter client-wide
		// timeout would cap it silently.
		client := *o.HTTPClient
		client.Timeout = 0
		o.HTTPClient = &client
	}
	return o
}

// Read loads source under the time and size budget in opts. Sources may be
// http(s) URLs, file:// URLs, local paths or data: URLs. Oversized payloads
// fail with a fault.KindFileSizeLimit error as soon as the size is known;
// an elapsed budget fails with fault.KindMediaTimeout.
func Read(ctx context.Context, source string, opts ReadOptions) (ReadResult, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return ReadResult{}, ErrEmptySource
	}
	opts = opts.normalized()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var (
		res ReadResult
		err error
	)
	lower := strings.ToLower(source)
	switch {
	case IsRemote(source):
		res, err = readHTTP(ctx, source, opts)
	case strings.HasPrefix(lower, "data:"):
		res, err = readDataURL(source, opts.MaxBytes)
	case strings.HasPrefix(lower, "file://"):
		u, parseErr := url.Parse(source)
		if parseErr != nil {
			return ReadResult{}, fmt.Errorf("%w: %v", ErrUnsupportedSource, parseErr)
		}
		res, err = readFile(ctx, u.Path, opts.MaxBytes)
	case strings.Contains(source, "://"):
		return ReadResult{}, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	default:
		res, err = readFile(ctx, source, opts.MaxBytes)
	}
	if err != nil {
		return ReadResult{}, asTimeout(ctx, opts.Timeout, err)
	}
	if res.Mime == "" || res.Mime == "application/octet-stream" {
		_, res.Mime = Refine(ClassFile, res.Data)
	}
	if res.FileName == "" {
		res.FileName = "media" + extensionFor(res.Mime)
	}
	return res, nil
}

func readHTTP(ctx context.Context, source string, opts ReadOptions) (ReadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return ReadResult{}, fmt.Errorf("build media request: %w", err)
	}
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return ReadResult{}, fmt.Errorf("fetch media: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, fault.MaxBodyBytes+1))
		return ReadResult{}, fault.Fetch(resp.StatusCode, body)
	}
	if resp.ContentLength > opts.MaxBytes {
		return ReadResult{}, fault.FileSizeLimit(opts.MaxBytes)
	}
	data, err := ReadAllWithLimit(resp.Body, opts.MaxBytes)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{
		Data:     data,
		FileName: fileNameFromResponse(resp, source),
		Mime:     strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0]),
	}, nil
}

func fileNameFromResponse(resp *http.Response, source string) string {
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return path.Base(name)
			}
		}
	}
	if u, err := url.Parse(source); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return ""
}

func readFile(ctx context.Context, name string, maxBytes int64) (ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadResult{}, err
	}
	info, err := os.Stat(name)
	if err != nil {
		return ReadResult{}, fmt.Errorf("stat media file: %w", err)
	}
	if info.IsDir() {
		return ReadResult{}, fmt.Errorf("%w: %s is a directory", ErrUnsupportedSource, name)
	}
	if info.Size() > maxBytes {
		return ReadResult{}, fault.FileSizeLimit(maxBytes)
	}
	f, err := os.Open(name)
	if err != nil {
		return ReadResult{}, fmt.Errorf("open media file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	data, err := ReadAllWithLimit(f, maxBytes)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{
		Data:     data,
		FileName: filepath.Base(name),
		Mime:     mime.TypeByExtension(filepath.Ext(name)),
	}, nil
}

func readDataURL(source string, maxBytes int64) (ReadResult, error) {
	header, payload, ok := strings.Cut(source[len("data:"):], ",")
	if !ok {
		return ReadResult{}, fmt.Errorf("%w: malformed data url", ErrUnsupportedSource)
	}
	mediaType, params, _ := strings.Cut(header, ";")
	var data []byte
	if strings.Contains(strings.ToLower(params), "base64") {
		if int64(base64.StdEncoding.DecodedLen(len(payload))) > maxBytes+2 {
			return ReadResult{}, fault.FileSizeLimit(maxBytes)
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return ReadResult{}, fmt.Errorf("%w: invalid base64 payload", ErrUnsupportedSource)
		}
		data = decoded
	} else {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return ReadResult{}, fmt.Errorf("%w: invalid data url payload", ErrUnsupportedSource)
		}
		data = []byte(decoded)
	}
	if int64(len(data)) > maxBytes {
		return ReadResult{}, fault.FileSizeLimit(maxBytes)
	}
	return ReadResult{Data: data, Mime: strings.TrimSpace(mediaType)}, nil
}

// asTimeout maps deadline failures to fault.KindMediaTimeout and leaves
// other errors untouched.
func asTimeout(ctx context.Context, timeout time.Duration, err error) error {
	if err == nil || fault.KindOf(err) != "" {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fault.MediaTimeout(timeout, err)
	}
	return err
}
