// Package fault defines the closed set of error variants surfaced by the
// bridge core. Every variant is a *Error tagged with a Kind so callers can
// branch with errors.Is against the per-kind sentinels or with KindOf.
package fault

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind discriminates error variants.
type Kind string

const (
	KindAuth                 Kind = "auth"
	KindSignature            Kind = "signature"
	KindEnvelopeIntegrity    Kind = "envelope_integrity"
	KindFileSizeLimit        Kind = "file_size_limit"
	KindMediaTimeout         Kind = "media_timeout"
	KindUnsupportedMediaType Kind = "unsupported_media_type"
	KindUpload               Kind = "upload"
	KindSend                 Kind = "send"
	KindFetch                Kind = "fetch"
)

// MaxBodyBytes bounds the upstream response body kept on an Error.
const MaxBodyBytes = 512

var (
	ErrAuth                 = &Error{Kind: KindAuth}
	ErrSignature            = &Error{Kind: KindSignature}
	ErrEnvelopeIntegrity    = &Error{Kind: KindEnvelopeIntegrity}
	ErrFileSizeLimit        = &Error{Kind: KindFileSizeLimit}
	ErrMediaTimeout         = &Error{Kind: KindMediaTimeout}
	ErrUnsupportedMediaType = &Error{Kind: KindUnsupportedMediaType}
	ErrUpload               = &Error{Kind: KindUpload}
	ErrSend                 = &Error{Kind: KindSend}
	ErrFetch                = &Error{Kind: KindFetch}
)

// Error is the single concrete error type for every Kind. Fields not relevant
// to a variant stay zero.
type Error struct {
	Kind     Kind
	Platform string
	Message  string
	// Status is the upstream HTTP status, 0 when the failure was local.
	Status int
	// Body is the upstream response body, truncated to MaxBodyBytes.
	Body string
	// Limit is the byte budget that was exceeded (KindFileSizeLimit).
	Limit int64
	// Timeout is the budget that elapsed (KindMediaTimeout).
	Timeout time.Duration
	// Expired marks an auth rejection caused by a stale token. Callers may
	// invalidate the cached token and retry once.
	Expired bool
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Platform != "" {
		b.WriteString(e.Platform)
		b.WriteString(": ")
	}
	b.WriteString(kindText(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	switch e.Kind {
	case KindFileSizeLimit:
		if e.Limit > 0 {
			fmt.Fprintf(&b, " (limit %d bytes)", e.Limit)
		}
	case KindMediaTimeout:
		if e.Timeout > 0 {
			fmt.Fprintf(&b, " (after %s)", e.Timeout)
		}
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the package sentinels work with
// errors.Is regardless of the other fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func kindText(k Kind) string {
	switch k {
	case KindAuth:
		return "authentication failed"
	case KindSignature:
		return "signature mismatch"
	case KindEnvelopeIntegrity:
		return "envelope integrity check failed"
	case KindFileSizeLimit:
		return "file exceeds size limit"
	case KindMediaTimeout:
		return "media transfer timed out"
	case KindUnsupportedMediaType:
		return "unsupported media type"
	case KindUpload:
		return "media upload failed"
	case KindSend:
		return "send failed"
	case KindFetch:
		return "media fetch failed"
	default:
		return string(k)
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsExpiredAuth reports whether err is an auth failure caused by a stale token.
func IsExpiredAuth(err error) bool {
	fe, ok := As(err)
	return ok && fe.Kind == KindAuth && fe.Expired
}

// Auth builds an authentication failure from an upstream response.
func Auth(platform string, status int, body []byte) *Error {
	return &Error{Kind: KindAuth, Platform: platform, Status: status, Body: Truncate(body)}
}

// ExpiredToken marks a token the platform rejected as expired or revoked.
func ExpiredToken(platform string, status int, body []byte) *Error {
	e := Auth(platform, status, body)
	e.Expired = true
	return e
}

// Signature reports a webhook signature mismatch.
func Signature(platform string) *Error {
	return &Error{Kind: KindSignature, Platform: platform}
}

// Integrity reports a malformed or tampered envelope.
func Integrity(platform, reason string) *Error {
	return &Error{Kind: KindEnvelopeIntegrity, Platform: platform, Message: reason}
}

// FileSizeLimit reports a media payload over limit bytes.
func FileSizeLimit(limit int64) *Error {
	return &Error{Kind: KindFileSizeLimit, Limit: limit}
}

// MediaTimeout reports a fetch or upload that exceeded its budget.
func MediaTimeout(timeout time.Duration, err error) *Error {
	return &Error{Kind: KindMediaTimeout, Timeout: timeout, Err: err}
}

// UnsupportedMediaType reports a media class the platform cannot accept.
func UnsupportedMediaType(platform, class string) *Error {
	return &Error{Kind: KindUnsupportedMediaType, Platform: platform, Message: class}
}

// Upload wraps a failed platform upload.
func Upload(platform string, status int, body []byte, err error) *Error {
	return &Error{Kind: KindUpload, Platform: platform, Status: status, Body: Truncate(body), Err: err}
}

// Send wraps a failed platform send.
func Send(platform string, status int, body []byte, err error) *Error {
	return &Error{Kind: KindSend, Platform: platform, Status: status, Body: Truncate(body), Err: err}
}

// Fetch reports a remote media source that answered with a non-2xx status.
func Fetch(status int, body []byte) *Error {
	return &Error{Kind: KindFetch, Status: status, Body: Truncate(body)}
}

// Truncate trims body to MaxBodyBytes without splitting a UTF-8 sequence.
func Truncate(body []byte) string {
	if len(body) <= MaxBodyBytes {
		return strings.TrimSpace(string(body))
	}
	cut := body[:MaxBodyBytes]
	// Only a rune split by the cut is dropped; invalid bytes elsewhere stay
	// visible as replacement characters.
	for i := 0; i < utf8.UTFMax-1 && len(cut) > 0; i++ {
		if r, size := utf8.DecodeLastRune(cut); r != utf8.RuneError || size != 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(cut), "\uFFFD")) + "...(truncated)"
}
