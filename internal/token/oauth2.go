package token

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

type cacheTokenSource struct {
	ctx       context.Context
	src       Source
	cred      Credential
	tokenType string
}

// TokenSource exposes the cache entry for cred as an oauth2.TokenSource.
// tokenType becomes the Authorization scheme ("Bearer" when empty).
func TokenSource(ctx context.Context, src Source, cred Credential, tokenType string) oauth2.TokenSource {
	return &cacheTokenSource{ctx: ctx, src: src, cred: cred, tokenType: tokenType}
}

func (s *cacheTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Get(s.ctx, s.cred)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: tok.Value,
		TokenType:   s.tokenType,
		Expiry:      tok.ExpiresAt,
	}, nil
}

// NewHTTPClient returns a client that authorizes every request from ts.
// ts is consulted per request so an invalidated cache entry is never reused.
func NewHTTPClient(base *http.Client, ts oauth2.TokenSource) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport
	client := &http.Client{}
	if base != nil {
		if base.Transport != nil {
			transport = base.Transport
		}
		client.Timeout = base.Timeout
	}
	client.Transport = &oauth2.Transport{Source: ts, Base: transport}
	return client
}
