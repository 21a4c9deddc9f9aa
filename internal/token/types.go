package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Platform identifiers understood by the bundled fetchers.
const (
	PlatformDingTalk = "dingtalk"
	PlatformFeishu   = "feishu"
	PlatformWeComApp = "wecomapp"
	PlatformQQBot    = "qqbot"
)

var (
	// ErrNoFetcher indicates no Fetcher is registered for a credential's platform.
	ErrNoFetcher = errors.New("no token fetcher registered for platform")
	// ErrInvalidCredential indicates a credential without platform or app id.
	ErrInvalidCredential = errors.New("credential requires platform and app id")
)

// Credential identifies one platform account. It is immutable once loaded.
type Credential struct {
	Platform string
	AppID    string
	Secret   string
	// Endpoint optionally overrides the platform API base URL (e.g. Lark
	// instead of Feishu). It does not participate in the cache key.
	Endpoint string
}

// Key returns the account key used to index the cache: a hash of platform and app id.
func (c Credential) Key() string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(c.Platform)) + "\x00" + strings.TrimSpace(c.AppID)))
	return hex.EncodeToString(sum[:16])
}

// IsZero reports whether the credential is empty, as for keyless platforms.
func (c Credential) IsZero() bool {
	return strings.TrimSpace(c.Platform) == "" && strings.TrimSpace(c.AppID) == ""
}

func (c Credential) validate() error {
	if strings.TrimSpace(c.Platform) == "" || strings.TrimSpace(c.AppID) == "" {
		return ErrInvalidCredential
	}
	return nil
}

// Token is a cached access token.
type Token struct {
	Value      string
	ExpiresAt  time.Time
	AccountKey string
}

// ValidAt reports whether the token may still be handed out at now.
func (t Token) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Fetcher exchanges a credential for a fresh token and its lifetime.
type Fetcher interface {
	Fetch(ctx context.Context, cred Credential) (value string, ttl time.Duration, err error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, cred Credential) (string, time.Duration, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, cred Credential) (string, time.Duration, error) {
	return f(ctx, cred)
}

// Source is the subset of Cache consumed by callers that only need tokens.
type Source interface {
	Get(ctx context.Context, cred Credential) (Token, error)
	Invalidate(key string)
}
