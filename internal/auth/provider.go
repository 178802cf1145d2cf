package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
	"github.com/vantorre/antigravity-relay/internal/relayerr"
)

// TokenProvider resolves credentials for upstream calls. Implementations
// cache aggressively; Invalidate forces the next call to start fresh.
type TokenProvider interface {
	AccessToken(ctx context.Context, acc *account.Account) (string, error)
	Project(acc *account.Account) string
	Invalidate(email string)
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Provider is the standard TokenProvider. It dispatches on the account
// source and keeps a per-email token cache.
type Provider struct {
	mu    sync.RWMutex
	log   *logging.Logger
	cache map[string]cachedToken
}

// NewProvider returns an empty-cache provider.
func NewProvider(log *logging.Logger) *Provider {
	return &Provider{log: log, cache: make(map[string]cachedToken)}
}

// AccessToken returns a bearer token for the account, refreshing when the
// cached one expired.
func (p *Provider) AccessToken(ctx context.Context, acc *account.Account) (string, error) {
	if acc == nil {
		return "", fmt.Errorf("nil account")
	}

	p.mu.RLock()
	cached, ok := p.cache[acc.Email]
	p.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.token, nil
	}

	token, ttl, err := p.freshToken(ctx, acc)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.cache[acc.Email] = cachedToken{token: token, expiresAt: time.Now().Add(ttl)}
	p.mu.Unlock()
	return token, nil
}

func (p *Provider) freshToken(ctx context.Context, acc *account.Account) (string, time.Duration, error) {
	defaultTTL := time.Duration(config.TokenCacheTTLMs) * time.Millisecond

	switch acc.Source {
	case account.SourceOAuth:
		if acc.CredentialRef == "" {
			return "", 0, &relayerr.AuthError{Message: "no refresh token", AccountEmail: acc.Email}
		}
		p.log.Debug("[Auth] Refreshing OAuth token for %s", acc.Email)
		result, err := RefreshAccessToken(ctx, acc.CredentialRef)
		if err != nil {
			p.log.Error("[Auth] Token refresh failed for %s: %v", acc.Email, err)
			return "", 0, decorate(err, acc.Email)
		}
		ttl := defaultTTL
		if result.ExpiresIn > 0 {
			if expiry := time.Duration(result.ExpiresIn) * time.Second; expiry < ttl {
				ttl = expiry
			}
		}
		p.log.Success("[Auth] Refreshed OAuth token for %s", acc.Email)
		return result.AccessToken, ttl, nil

	case account.SourceAPIKey:
		if acc.CredentialRef == "" {
			return "", 0, &relayerr.AuthError{Message: "no API key", AccountEmail: acc.Email}
		}
		return acc.CredentialRef, defaultTTL, nil

	case account.SourceHostDatabase:
		status, err := ReadHostAuthStatus(acc.CredentialRef)
		if err != nil {
			return "", 0, &relayerr.AuthError{Message: err.Error(), AccountEmail: acc.Email}
		}
		return status.APIKey, defaultTTL, nil

	default:
		return "", 0, fmt.Errorf("unknown account source %q for %s", acc.Source, acc.Email)
	}
}

// Project returns the statically known project id for the account: the
// composite credential's segment first, then the cached one. Empty means
// the caller should discover or fall back.
func (p *Provider) Project(acc *account.Account) string {
	if acc == nil {
		return ""
	}
	if acc.Source == account.SourceOAuth && acc.CredentialRef != "" {
		parts := ParseRefreshParts(acc.CredentialRef)
		if parts.ManagedProjectID != "" {
			return parts.ManagedProjectID
		}
		if parts.ProjectID != "" {
			return parts.ProjectID
		}
	}
	return acc.ProjectID
}

// Invalidate drops the cached token so the next AccessToken call refreshes.
func (p *Provider) Invalidate(email string) {
	p.mu.Lock()
	delete(p.cache, email)
	p.mu.Unlock()
}

// InvalidateAll flushes every cached token.
func (p *Provider) InvalidateAll() {
	p.mu.Lock()
	p.cache = make(map[string]cachedToken)
	p.mu.Unlock()
}

func decorate(err error, email string) error {
	if ae, ok := err.(*relayerr.AuthError); ok && ae.AccountEmail == "" {
		ae.AccountEmail = email
	}
	return err
}
