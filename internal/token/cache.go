// Package token manages platform access tokens shared by all token-based
// adapters: one cache entry per account, refreshed at most once at a time.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/memohai/imbridge/internal/fault"
)

const (
	DefaultSafetyMargin   = 60 * time.Second
	DefaultRefreshTimeout = 15 * time.Second
)

// Option configures a Cache.
type Option func(*Cache)

// WithSafetyMargin sets how long before the platform expiry a token is
// considered stale.
func WithSafetyMargin(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.margin = d
		}
	}
}

// WithRefreshTimeout bounds a single refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache holds one token per account key.
type Cache struct {
	logger         *slog.Logger
	margin         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]Token
	gens     map[string]uint64
	fetchers map[string]Fetcher
}

// NewCache creates an empty cache with no fetchers registered.
func NewCache(log *slog.Logger, opts ...Option) *Cache {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		logger:         log.With(slog.String("service", "token")),
		margin:         DefaultSafetyMargin,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		entries:        map[string]Token{},
		gens:           map[string]uint64{},
		fetchers:       map[string]Fetcher{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register binds a fetcher to a platform name, replacing any previous one.
func (c *Cache) Register(platform string, f Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers[normalizePlatform(platform)] = f
}

// GetToken returns a valid token value for cred.
func (c *Cache) GetToken(ctx context.Context, cred Credential) (string, error) {
	tok, err := c.Get(ctx, cred)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Get returns the cached token for cred, refreshing it when missing or stale.
// Concurrent callers for the same account share one refresh. A caller whose
// ctx ends stops waiting without cancelling the refresh for the others.
func (c *Cache) Get(ctx context.Context, cred Credential) (Token, error) {
	if err := cred.validate(); err != nil {
		return Token{}, err
	}
	key := cred.Key()
	if tok, ok := c.lookup(key); ok {
		return tok, nil
	}
	fetcher, ok := c.fetcher(cred.Platform)
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrNoFetcher, cred.Platform)
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.refresh(ctx, key, cred, fetcher)
	})
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// Invalidate drops the entry for key. A refresh already in flight for key
// will not repopulate the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries)+len(c.gens))
	for key := range c.entries {
		keys = append(keys, key)
	}
	for key := range c.gens {
		keys = append(keys, key)
	}
	for _, key := range keys {
		c.gens[key]++
	}
	c.entries = map[string]Token{}
	c.mu.Unlock()
	for _, key := range keys {
		c.group.Forget(key)
	}
}

func (c *Cache) refresh(ctx context.Context, key string, cred Credential, fetcher Fetcher) (Token, error) {
	// A flight that finished just before this one started may have filled the entry.
	if tok, ok := c.lookup(key); ok {
		return tok, nil
	}
	gen := c.generation(key)

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()
	started := c.now()
	value, ttl, err := fetcher.Fetch(fetchCtx, cred)
	if err != nil {
		c.logger.Warn("token refresh failed",
			slog.String("platform", cred.Platform),
			slog.String("account", key),
			slog.Any("error", err))
		if _, ok := fault.As(err); !ok {
			err = &fault.Error{Kind: fault.KindAuth, Platform: cred.Platform, Err: err}
		}
		return Token{}, err
	}
	if strings.TrimSpace(value) == "" {
		return Token{}, &fault.Error{Kind: fault.KindAuth, Platform: cred.Platform, Message: "empty token in response"}
	}

	tok := Token{Value: value, AccountKey: key}
	if ttl <= c.margin {
		// Too short-lived to cache under the margin; hand it out once.
		tok.ExpiresAt = started.Add(ttl)
		c.logger.Warn("token lifetime below safety margin, not caching",
			slog.String("platform", cred.Platform),
			slog.Duration("ttl", ttl))
		return tok, nil
	}
	tok.ExpiresAt = started.Add(ttl - c.margin)

	c.mu.Lock()
	if c.gens[key] == gen {
		c.entries[key] = tok
	}
	c.mu.Unlock()
	c.logger.Debug("token refreshed",
		slog.String("platform", cred.Platform),
		slog.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func (c *Cache) lookup(key string) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.entries[key]
	if !ok {
		return Token{}, false
	}
	if !tok.ValidAt(c.now()) {
		delete(c.entries, key)
		return Token{}, false
	}
	return tok, true
}

func (c *Cache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

func (c *Cache) fetcher(platform string) (Fetcher, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fetchers[normalizePlatform(platform)]
	return f, ok
}

func normalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

// Do runs fn with a token for cred. When fn fails because the platform
// rejected the token as expired, the entry is invalidated and fn runs once
// more with a fresh token. A zero credential runs fn with an empty token.
func Do(ctx context.Context, src Source, cred Credential, fn func(ctx context.Context, token string) error) error {
	if src == nil || cred.IsZero() {
		return fn(ctx, "")
	}
	tok, err := src.Get(ctx, cred)
	if err != nil {
		return err
	}
	err = fn(ctx, tok.Value)
	if err == nil || !fault.IsExpiredAuth(err) {
		return err
	}
	src.Invalidate(tok.AccountKey)
	tok, err = src.Get(ctx, cred)
	if err != nil {
		return err
	}
	return fn(ctx, tok.Value)
}
