package ehr

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// assertionLifetime is the exp window on signed client assertions per
	// SMART Backend Services (must not exceed 5 minutes).
	assertionLifetime = 5 * time.Minute

	// DefaultTokenMargin is how long before expiry a cached token is
	// considered stale and re-exchanged.
	DefaultTokenMargin = 5 * time.Minute

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// TokenProvider obtains bearer tokens for one connection. Implementations
// cache the token in memory only; nothing is persisted.
type TokenProvider interface {
	// Token returns a valid access token, performing a fresh exchange when
	// the cached one is absent or within the safety margin of expiry.
	Token(ctx context.Context) (string, error)
	// Invalidate drops the cached token, forcing the next Token call to
	// re-exchange. Used after a downstream 401.
	Invalidate()
}

// assertionSigner produces the signed JWT client assertion for the
// backend-services exchange. RS384 for private-key registrations, HS256 for
// shared-secret registrations.
type assertionSigner interface {
	sign(claims jwt.Claims) (string, error)
}

type rs384Signer struct{ key *rsa.PrivateKey }

func (s rs384Signer) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodRS384, claims).SignedString(s.key)
}

type hs256Signer struct{ secret []byte }

func (s hs256Signer) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// BackendTokenProvider implements the SMART Backend Services
// client-credentials flow: a short-lived signed assertion is exchanged at
// the EHR's token endpoint for a bearer token, which is cached until close
// to expiry.
type BackendTokenProvider struct {
	httpClient *http.Client
	tokenURL   string
	clientID   string
	scopes     string
	signer     assertionSigner
	margin     time.Duration

	now func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// TokenOption configures a BackendTokenProvider.
type TokenOption func(*BackendTokenProvider)

// WithTokenHTTPClient overrides the HTTP client used for the exchange.
func WithTokenHTTPClient(c *http.Client) TokenOption {
	return func(p *BackendTokenProvider) { p.httpClient = c }
}

// WithTokenMargin sets the refresh safety margin.
func WithTokenMargin(d time.Duration) TokenOption {
	return func(p *BackendTokenProvider) { p.margin = d }
}

// WithScopes sets the scope parameter requested at the token endpoint.
func WithScopes(scopes string) TokenOption {
	return func(p *BackendTokenProvider) { p.scopes = scopes }
}

func withClock(now func() time.Time) TokenOption {
	return func(p *BackendTokenProvider) { p.now = now }
}

// NewPrivateKeyTokenProvider builds a provider that signs assertions with
// RS384 using the connection's PEM-encoded RSA private key.
func NewPrivateKeyTokenProvider(tokenURL, clientID string, privateKeyPEM []byte, opts ...TokenOption) (*BackendTokenProvider, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return newTokenProvider(tokenURL, clientID, rs384Signer{key: key}, opts...), nil
}

// NewSharedSecretTokenProvider builds a provider that signs assertions with
// HS256 using the connection's client secret.
func NewSharedSecretTokenProvider(tokenURL, clientID, clientSecret string, opts ...TokenOption) (*BackendTokenProvider, error) {
	if clientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	return newTokenProvider(tokenURL, clientID, hs256Signer{secret: []byte(clientSecret)}, opts...), nil
}

func newTokenProvider(tokenURL, clientID string, signer assertionSigner, opts ...TokenOption) *BackendTokenProvider {
	p := &BackendTokenProvider{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokenURL:   tokenURL,
		clientID:   clientID,
		signer:     signer,
		margin:     DefaultTokenMargin,
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Token returns the cached token while more than the safety margin remains
// before expiry, otherwise performs a fresh exchange.
func (p *BackendTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.expiresAt.Add(-p.margin)) {
		return p.token, nil
	}

	token, expiresIn, err := p.exchange(ctx)
	if err != nil {
		p.token = ""
		return "", err
	}

	p.token = token
	p.expiresAt = p.now().Add(time.Duration(expiresIn) * time.Second)
	return p.token, nil
}

// Invalidate clears the cached token.
func (p *BackendTokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}

// exchange signs a fresh assertion and posts it to the token endpoint.
func (p *BackendTokenProvider) exchange(ctx context.Context) (string, int, error) {
	assertion, err := p.buildAssertion()
	if err != nil {
		return "", 0, fmt.Errorf("build client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	if p.scopes != "" {
		form.Set("scope", p.scopes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &AuthError{Status: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", 0, &AuthError{Status: resp.StatusCode, Body: "response contained no access_token"}
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = 300
	}

	return payload.AccessToken, payload.ExpiresIn, nil
}

// buildAssertion creates the signed JWT per SMART Backend Services: iss and
// sub are the client id, aud is the token endpoint, jti is unique, and exp
// stays within the 5-minute window.
func (p *BackendTokenProvider) buildAssertion() (string, error) {
	now := p.now()
	claims := jwt.MapClaims{
		"iss": p.clientID,
		"sub": p.clientID,
		"aud": p.tokenURL,
		"jti": uuid.New().String(),
		"exp": now.Add(assertionLifetime).Unix(),
		"nbf": now.Unix(),
		"iat": now.Unix(),
	}
	return p.signer.sign(claims)
}
