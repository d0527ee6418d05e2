package imapadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// googleToken is the on-disk token file shape, matching
// oauth2_gmail.py's Credentials.to_json()/from_authorized_user_file
// fields actually read by this adapter.
type googleToken struct {
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// LoadGoogleTokenFile reads client_id/client_secret/refresh_token from
// tokenFile, the Go counterpart of OAuth2Gmail.load_credentials.
func LoadGoogleTokenFile(tokenFile string) (refreshToken, clientID, clientSecret string, err error) {
	data, err := os.ReadFile(tokenFile)
	if err != nil {
		return "", "", "", fmt.Errorf("oauth2: reading token file %s: %w", tokenFile, err)
	}
	var tok googleToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return "", "", "", fmt.Errorf("oauth2: parsing token file %s: %w", tokenFile, err)
	}
	return tok.RefreshToken, tok.ClientID, tok.ClientSecret, nil
}

// GoogleRefreshFunc exchanges a refresh token for a fresh access token
// against Google's token endpoint, the HTTP equivalent of
// google.auth.transport.requests.Request()-driven Credentials.refresh.
// No third-party OAuth2 client is part of this pack's dependency graph
// (golang.org/x/oauth2 appears in neither the teacher nor any example
// repo's go.mod), so this one request is built directly on net/http.
func GoogleRefreshFunc(clientID, clientSecret string) func(ctx context.Context, refreshToken string) (string, time.Time, error) {
	return func(ctx context.Context, refreshToken string) (string, time.Time, error) {
		form := url.Values{
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"refresh_token": {refreshToken},
			"grant_type":    {"refresh_token"},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://oauth2.googleapis.com/token", strings.NewReader(form.Encode()))
		if err != nil {
			return "", time.Time{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("oauth2: token refresh request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", time.Time{}, fmt.Errorf("oauth2: token refresh returned %s", resp.Status)
		}

		var body struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int64  `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", time.Time{}, fmt.Errorf("oauth2: decoding token response: %w", err)
		}
		return body.AccessToken, time.Now().Add(time.Duration(body.ExpiresIn) * time.Second), nil
	}
}
