// Package auth provides access tokens for the Dataverse Web API.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/portalsfs/portalsfs/internal/logging"
)

// Provider authenticates against an organization. An empty token with a nil
// error means no credentials are available.
type Provider interface {
	Authenticate(ctx context.Context, orgURL string) (string, error)
	AuthHeader(token string) http.Header
}

// BearerHeader returns the standard Dataverse request headers for a token.
func BearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Accept", "application/json")
	h.Set("OData-MaxVersion", "4.0")
	h.Set("OData-Version", "4.0")
	return h
}

// StaticToken serves a pre-acquired bearer token. Tokens that are JWTs are
// checked for expiry; an expired token is reported as missing.
type StaticToken struct {
	Token string
	// Margin treats tokens expiring within the margin as already expired.
	Margin time.Duration
}

// Authenticate returns the token unless it has expired.
func (s *StaticToken) Authenticate(ctx context.Context, orgURL string) (string, error) {
	if s.Token == "" {
		return "", nil
	}
	exp, ok := Expiry(s.Token)
	if ok && time.Now().Add(s.Margin).After(exp) {
		logging.Warn("access token has expired", logging.String("expired_at", exp.Format(time.RFC3339)))
		return "", nil
	}
	return s.Token, nil
}

// AuthHeader returns the bearer headers.
func (s *StaticToken) AuthHeader(token string) http.Header {
	return BearerHeader(token)
}

// Expiry reads the exp claim of a JWT without verifying its signature. The
// token's audience verifies it; the client only needs to know when to stop
// using it.
func Expiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ClientCredentials acquires tokens with the OAuth2 client credentials grant
// against Microsoft Entra ID. Tokens are cached per organization until expiry.
type ClientCredentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Entra ID token endpoint.
	TokenURL string

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func (c *ClientCredentials) tokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

func (c *ClientCredentials) source(ctx context.Context, orgURL string) oauth2.TokenSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sources == nil {
		c.sources = make(map[string]oauth2.TokenSource)
	}
	if ts, ok := c.sources[orgURL]; ok {
		return ts
	}
	cfg := clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.tokenURL(),
		Scopes:       []string{strings.TrimSuffix(orgURL, "/") + "/.default"},
	}
	// The token source outlives the call; token refreshes must not be tied
	// to a request context.
	ts := cfg.TokenSource(context.WithoutCancel(ctx))
	c.sources[orgURL] = ts
	return ts
}

// Authenticate returns a cached or freshly acquired token.
func (c *ClientCredentials) Authenticate(ctx context.Context, orgURL string) (string, error) {
	tok, err := c.source(ctx, orgURL).Token()
	if err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}
	return tok.AccessToken, nil
}

// AuthHeader returns the bearer headers.
func (c *ClientCredentials) AuthHeader(token string) http.Header {
	return BearerHeader(token)
}
