// Package httpauth adds bearer token authentication to outbound HTTP traffic.
// Tokens are fetched lazily and cached until shortly before expiry.
package httpauth

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// TokenFunc returns the bearer token for the next request.
// An empty token means no Authorization header is added.
type TokenFunc func() (string, error)

var _ http.RoundTripper = &AuthTransport{}

// AuthTransport sets an Authorization header on every request, fetching the
// token through GetToken so expired tokens are refreshed transparently.
type AuthTransport struct {
	// Base is the underlying RoundTripper. Defaults to http.DefaultTransport.
	Base http.RoundTripper
	// GetToken provides the bearer token per request.
	GetToken TokenFunc
}

func (t *AuthTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	clone := request.Clone(request.Context())
	if t.GetToken != nil {
		token, err := t.GetToken()
		if err != nil {
			return nil, fmt.Errorf("failed to get auth token: %w", err)
		}
		if token != "" {
			clone.Header.Set("Authorization", "Bearer "+token)
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// NewAuthTransport creates an AuthTransport over the given base transport.
func NewAuthTransport(base http.RoundTripper, getToken TokenFunc) *AuthTransport {
	return &AuthTransport{Base: base, GetToken: getToken}
}

// StaticToken returns a TokenFunc that always returns the same token.
func StaticToken(token string) TokenFunc {
	return func() (string, error) {
		return token, nil
	}
}

// TokenProvider caches a token and refreshes it before expiry. Safe for concurrent use.
type TokenProvider struct {
	mu            sync.RWMutex
	token         string
	expiresAt     time.Time
	refreshFunc   func() (token string, expiresIn time.Duration, err error)
	refreshBuffer time.Duration
}

// NewTokenProvider creates a TokenProvider around the given refresh function.
// refreshBuffer is how long before expiry a refresh is triggered (default 30s).
func NewTokenProvider(refreshFunc func() (string, time.Duration, error), refreshBuffer time.Duration) *TokenProvider {
	if refreshBuffer == 0 {
		refreshBuffer = 30 * time.Second
	}
	return &TokenProvider{
		refreshFunc:   refreshFunc,
		refreshBuffer: refreshBuffer,
	}
}

// GetToken returns a valid token, refreshing when expired or about to expire.
func (p *TokenProvider) GetToken() (string, error) {
	p.mu.RLock()
	if time.Now().Before(p.expiresAt.Add(-p.refreshBuffer)) {
		token := p.token
		p.mu.RUnlock()
		return token, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have refreshed while we waited for the lock.
	if time.Now().Before(p.expiresAt.Add(-p.refreshBuffer)) {
		return p.token, nil
	}

	token, expiresIn, err := p.refreshFunc()
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	p.token = token
	p.expiresAt = time.Now().Add(expiresIn)
	return token, nil
}

// TokenFunc adapts the provider for use with AuthTransport.
func (p *TokenProvider) TokenFunc() TokenFunc {
	return p.GetToken
}
