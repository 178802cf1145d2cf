package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vantorre/antigravity-relay/internal/config"
)

// AuthorizationRequest is one prepared interactive login: the URL to open
// plus the PKCE verifier and CSRF state the completion step needs.
type AuthorizationRequest struct {
	URL      string
	Verifier string
	State    string
}

// NewAuthorizationRequest builds a Google authorization URL with a fresh
// PKCE pair. An empty redirectURI uses the default callback listener.
func NewAuthorizationRequest(redirectURI string) (*AuthorizationRequest, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(stateBytes)

	if redirectURI == "" {
		redirectURI = defaultRedirectURI()
	}
	params := url.Values{
		"client_id":             {config.OAuthClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuthScopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &AuthorizationRequest{
		URL:      config.OAuthAuthURL + "?" + params.Encode(),
		Verifier: verifier,
		State:    state,
	}, nil
}

func defaultRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", config.OAuthCallbackPort)
}

// ExtractedCode is an authorization code pulled from pasted user input.
type ExtractedCode struct {
	Code  string
	State string
}

// ExtractCodeFromInput accepts either the full callback URL or a bare
// authorization code pasted by the user in no-browser mode.
func ExtractCodeFromInput(input string) (*ExtractedCode, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid callback URL")
		}
		if e := parsed.Query().Get("error"); e != "" {
			return nil, fmt.Errorf("authorization failed: %s", e)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return nil, fmt.Errorf("no authorization code in URL")
		}
		return &ExtractedCode{Code: code, State: parsed.Query().Get("state")}, nil
	}

	// Google codes start with "4/" and run long; anything shorter is a paste
	// accident.
	if len(trimmed) < 10 {
		return nil, fmt.Errorf("input too short to be an authorization code")
	}
	return &ExtractedCode{Code: trimmed}, nil
}

const callbackPage = `<html>
<head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: system-ui; padding: 40px; text-align: center;">
<h1>%s</h1><p>%s</p><p>You can close this window.</p>
</body>
</html>`

// WaitForCallback runs a local HTTP listener on the callback port (falling
// back through the alternates) and blocks until the redirect delivers a code,
// the state check fails, or ctx expires.
func WaitForCallback(ctx context.Context, expectedState string) (string, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch {
		case q.Get("error") != "":
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackPage, "Authentication Failed", "Authentication Failed", q.Get("error"))
			errCh <- fmt.Errorf("authorization failed: %s", q.Get("error"))
		case q.Get("state") != expectedState:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackPage, "Authentication Failed", "Authentication Failed", "State mismatch.")
			errCh <- fmt.Errorf("state mismatch in callback")
		case q.Get("code") == "":
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackPage, "Authentication Failed", "Authentication Failed", "No authorization code received.")
			errCh <- fmt.Errorf("callback carried no code")
		default:
			fmt.Fprintf(w, callbackPage, "Authentication Successful", "Authentication Successful",
				"Return to the terminal.")
			codeCh <- q.Get("code")
		}
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ports := append([]int{config.OAuthCallbackPort}, config.OAuthCallbackFallbackPorts...)
	var listener net.Listener
	var err error
	for _, port := range ports {
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			break
		}
	}
	if listener == nil {
		return "", fmt.Errorf("no callback port available: %w", err)
	}

	go srv.Serve(listener)
	defer srv.Shutdown(context.Background())

	select {
	case code := <-codeCh:
		return code, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ExchangedTokens is the result of trading an authorization code.
type ExchangedTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode trades an authorization code for tokens using the PKCE
// verifier from the originating request.
func ExchangeCode(ctx context.Context, code, verifier string) (*ExchangedTokens, error) {
	data := url.Values{
		"client_id":     {config.OAuthClientID},
		"client_secret": {config.OAuthClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {defaultRedirectURI()},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.OAuthTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("code exchange failed (%d): %s", resp.StatusCode, truncate(string(body), 300))
	}

	var tokens ExchangedTokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parse exchange response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("code exchange returned no access token")
	}
	return &tokens, nil
}

// LoginResult is a completed interactive login, ready to store as an account.
type LoginResult struct {
	Email        string
	RefreshToken string
	AccessToken  string
}

// CompleteLogin finishes the flow: exchange the code, then resolve the email
// behind the new tokens.
func CompleteLogin(ctx context.Context, code, verifier string) (*LoginResult, error) {
	tokens, err := ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, err
	}
	email, err := FetchUserEmail(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		Email:        email,
		RefreshToken: tokens.RefreshToken,
		AccessToken:  tokens.AccessToken,
	}, nil
}
