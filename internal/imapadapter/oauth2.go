package imapadapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TokenSource returns a valid OAuth2 access token for XOAUTH2
// authentication, refreshing as needed. Gmail and Outlook both fit
// this one shape (spec.md §6 mentions both as supported account
// types); ported from the refresh/expiry-buffer logic in
// _examples/original_source/src/auth/oauth2_gmail.py and
// oauth2_outlook.py rather than their provider-specific HTTP calls,
// which depend on each vendor's token endpoint and are supplied by the
// caller as refreshFunc.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// refreshFunc exchanges a refresh token for a new access token and its
// expiry. Provider-specific (Google vs Microsoft token endpoints);
// supplied by the caller so this package stays transport-agnostic.
type refreshFunc func(ctx context.Context, refreshToken string) (accessToken string, expiry time.Time, err error)

// RefreshingTokenSource caches an access token and refreshes it shortly
// before expiry, mirroring is_token_valid's 5-minute buffer.
type RefreshingTokenSource struct {
	refreshToken string
	refresh      refreshFunc
	buffer       time.Duration

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
}

// NewRefreshingTokenSource constructs a TokenSource that calls refresh
// to mint new access tokens on demand.
func NewRefreshingTokenSource(refreshToken string, refresh refreshFunc) *RefreshingTokenSource {
	return &RefreshingTokenSource{refreshToken: refreshToken, refresh: refresh, buffer: 5 * time.Minute}
}

func (t *RefreshingTokenSource) AccessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accessToken != "" && time.Now().Add(t.buffer).Before(t.expiry) {
		return t.accessToken, nil
	}

	token, expiry, err := t.refresh(ctx, t.refreshToken)
	if err != nil {
		return "", fmt.Errorf("oauth2 token refresh failed: %w", err)
	}
	t.accessToken = token
	t.expiry = expiry
	return t.accessToken, nil
}

// StaticTokenSource always returns the same token; useful for tests and
// for long-lived app-password style deployments that bypass OAuth2.
type StaticTokenSource string

func (t StaticTokenSource) AccessToken(context.Context) (string, error) {
	return string(t), nil
}
