// Package common holds HTTP helpers shared by the platform adapters.
package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

const (
	// MaxResponseBytes bounds how much of a platform response is read.
	MaxResponseBytes = 1 << 20
	defaultTimeout   = 30 * time.Second
)

// Response is a raw platform reply.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// FilePart is one file field of a multipart upload.
type FilePart struct {
	Field    string
	FileName string
	Mime     string
	Data     []byte
}

// Client returns c, or a client with a default timeout when c is nil.
func Client(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultTimeout}
}

// DoJSON sends payload as JSON (no body when nil) and decodes a 2xx reply
// into out. Non-2xx replies are returned without decoding.
func DoJSON(ctx context.Context, client *http.Client, method, url string, header http.Header, payload any, out any) (Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return do(client, req, out)
}

// PostMultipart uploads part plus the plain form fields.
func PostMultipart(ctx context.Context, client *http.Client, url string, header http.Header, part FilePart, fields map[string]string, out any) (Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return Response{}, fmt.Errorf("write field %s: %w", key, err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, part.Field, part.FileName))
	mime := part.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	h.Set("Content-Type", mime)
	fw, err := w.CreatePart(h)
	if err != nil {
		return Response{}, fmt.Errorf("create part: %w", err)
	}
	if _, err := fw.Write(part.Data); err != nil {
		return Response{}, fmt.Errorf("write part: %w", err)
	}
	if err := w.Close(); err != nil {
		return Response{}, fmt.Errorf("close multipart: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return do(client, req, out)
}

func do(client *http.Client, req *http.Request, out any) (Response, error) {
	resp, err := Client(client).Do(req)
	if err != nil {
		return Response{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return Response{Status: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	res := Response{Status: resp.StatusCode, Body: body}
	if out != nil && res.OK() && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return res, fmt.Errorf("decode response: %w", err)
		}
	}
	return res, nil
}
