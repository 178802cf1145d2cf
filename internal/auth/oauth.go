// Package auth resolves access tokens and project ids for accounts. Tokens
// come from the Google OAuth refresh grant, a stored API key, or the
// Antigravity desktop app's state database.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/relayerr"
)

// RefreshParts are the components of a composite refresh credential,
// formatted as refreshToken|projectId|managedProjectId.
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts splits a composite refresh credential. Missing segments
// stay empty.
func ParseRefreshParts(composite string) RefreshParts {
	parts := strings.Split(composite, "|")
	result := RefreshParts{}
	if len(parts) > 0 {
		result.RefreshToken = parts[0]
	}
	if len(parts) > 1 {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 {
		result.ManagedProjectID = parts[2]
	}
	return result
}

// FormatRefreshParts reassembles a composite refresh credential.
func FormatRefreshParts(parts RefreshParts) string {
	base := fmt.Sprintf("%s|%s", parts.RefreshToken, parts.ProjectID)
	if parts.ManagedProjectID != "" {
		return fmt.Sprintf("%s|%s", base, parts.ManagedProjectID)
	}
	return base
}

// RefreshResult is a freshly minted access token.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// RefreshAccessToken exchanges a refresh token for an access token.
// Composite credentials are accepted; only the token segment is sent.
func RefreshAccessToken(ctx context.Context, composite string) (*RefreshResult, error) {
	parts := ParseRefreshParts(composite)
	if parts.RefreshToken == "" {
		return nil, &relayerr.AuthError{Message: "empty refresh token"}
	}

	data := url.Values{
		"client_id":     {config.OAuthClientID},
		"client_secret": {config.OAuthClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.OAuthTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindNetworkError, fmt.Errorf("token refresh: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindNetworkError, fmt.Errorf("read token response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &relayerr.AuthError{
			Message: fmt.Sprintf("token refresh failed (%d): %s", resp.StatusCode, truncate(string(body), 300)),
		}
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, &relayerr.AuthError{Message: "token refresh returned no access token"}
	}
	return &RefreshResult{AccessToken: result.AccessToken, ExpiresIn: result.ExpiresIn}, nil
}

// FetchUserEmail resolves the email behind an access token via the userinfo
// endpoint. Used when importing credentials.
func FetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuthUserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindNetworkError, fmt.Errorf("userinfo: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &relayerr.AuthError{
			Message: fmt.Sprintf("userinfo failed (%d): %s", resp.StatusCode, truncate(string(body), 200)),
		}
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("parse userinfo response: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo response missing email")
	}
	return info.Email, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
