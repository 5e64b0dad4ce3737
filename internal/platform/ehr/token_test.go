package ehr

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func tokenServer(t *testing.T, exchanges *int, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*exchanges++
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostFormValue("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostFormValue("client_assertion_type"); got != clientAssertionType {
			t.Errorf("client_assertion_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"bearer","expires_in":%d}`, *exchanges, expiresIn)
	}))
}

func TestTokenReusedWithinWindow(t *testing.T) {
	var exchanges int
	srv := tokenServer(t, &exchanges, 3600)
	defer srv.Close()

	p, err := NewSharedSecretTokenProvider(srv.URL, "client-1", "s3cret")
	if err != nil {
		t.Fatalf("NewSharedSecretTokenProvider: %v", err)
	}

	first, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("first Token: %v", err)
	}
	second, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("second Token: %v", err)
	}
	if first != second {
		t.Errorf("tokens differ: %q vs %q", first, second)
	}
	if exchanges != 1 {
		t.Errorf("exchanges = %d, want 1 while inside the reuse window", exchanges)
	}
}

func TestTokenRefreshedInsideSafetyMargin(t *testing.T) {
	var exchanges int
	srv := tokenServer(t, &exchanges, 600) // 10 minutes
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	p, err := NewSharedSecretTokenProvider(srv.URL, "client-1", "s3cret", withClock(clock))
	if err != nil {
		t.Fatalf("NewSharedSecretTokenProvider: %v", err)
	}

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}

	// 6 minutes in: 4 minutes left, inside the 5-minute margin.
	now = now.Add(6 * time.Minute)
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if exchanges != 2 {
		t.Errorf("exchanges = %d, want 2 once inside the safety margin", exchanges)
	}
}

func TestTokenInvalidateForcesExchange(t *testing.T) {
	var exchanges int
	srv := tokenServer(t, &exchanges, 3600)
	defer srv.Close()

	p, err := NewSharedSecretTokenProvider(srv.URL, "client-1", "s3cret")
	if err != nil {
		t.Fatalf("NewSharedSecretTokenProvider: %v", err)
	}
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	p.Invalidate()
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token after Invalidate: %v", err)
	}
	if exchanges != 2 {
		t.Errorf("exchanges = %d, want 2 after Invalidate", exchanges)
	}
}

func TestTokenExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := NewSharedSecretTokenProvider(srv.URL, "client-1", "s3cret")
	if err != nil {
		t.Fatalf("NewSharedSecretTokenProvider: %v", err)
	}

	_, err = p.Token(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if authErr.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", authErr.Status)
	}
}

func TestSharedSecretAssertionClaims(t *testing.T) {
	const (
		clientID = "client-42"
		secret   = "s3cret"
	)
	var assertion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assertion = r.PostFormValue("client_assertion")
		fmt.Fprint(w, `{"access_token":"tok","expires_in":300}`)
	}))
	defer srv.Close()

	p, err := NewSharedSecretTokenProvider(srv.URL, clientID, secret, WithScopes("system/Patient.read"))
	if err != nil {
		t.Fatalf("NewSharedSecretTokenProvider: %v", err)
	}
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}

	parsed, err := jwt.Parse(assertion, func(tok *jwt.Token) (interface{}, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("alg = %v, want HS256", tok.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		t.Fatalf("parse assertion: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["iss"] != clientID || claims["sub"] != clientID {
		t.Errorf("iss/sub = %v/%v, want client id on both", claims["iss"], claims["sub"])
	}
	if claims["aud"] != srv.URL {
		t.Errorf("aud = %v, want token url", claims["aud"])
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		t.Error("jti missing")
	}
	exp, _ := claims["exp"].(float64)
	if remaining := time.Until(time.Unix(int64(exp), 0)); remaining <= 0 || remaining > assertionLifetime {
		t.Errorf("exp %v out of the assertion window", remaining)
	}
}

func TestPrivateKeyAssertionSignedRS384(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	var assertion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assertion = r.PostFormValue("client_assertion")
		fmt.Fprint(w, `{"access_token":"tok","expires_in":300}`)
	}))
	defer srv.Close()

	p, err := NewPrivateKeyTokenProvider(srv.URL, "client-1", keyPEM)
	if err != nil {
		t.Fatalf("NewPrivateKeyTokenProvider: %v", err)
	}
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}

	if _, err := jwt.Parse(assertion, func(tok *jwt.Token) (interface{}, error) {
		if tok.Method != jwt.SigningMethodRS384 {
			return nil, fmt.Errorf("alg = %v, want RS384", tok.Header["alg"])
		}
		return &key.PublicKey, nil
	}); err != nil {
		t.Fatalf("verify assertion: %v", err)
	}
}

func TestPrivateKeyProviderRejectsBadPEM(t *testing.T) {
	if _, err := NewPrivateKeyTokenProvider("http://example.invalid/token", "c", []byte("not a key")); err == nil {
		t.Fatal("expected error for malformed private key")
	}
}
