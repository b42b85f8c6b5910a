package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/parapheur/internal/config"
)

// --- test helpers ---

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecKeyToJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
	}
}

func startJWKSServer(t *testing.T, hits *atomic.Int32, keys ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:       "https://auth.gouv.example",
		Audience:     "parapheur",
		Algorithms:   []string{"RS256", "ES256"},
		SubjectClaim: "sub",
		EmailClaim:   "email",
		RoleClaim:    "role",
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "u-secretary",
		"email": "secretary@gouv.example",
		"role":  "secretary",
		"iss":   "https://auth.gouv.example",
		"aud":   "parapheur",
		"exp":   jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
}

// serveAuth runs one request carrying token through the authenticator and
// returns the recorder and whether the next handler ran.
func serveAuth(t *testing.T, keys KeySource, header string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	handler := JWTAuthenticator(testIdentityCfg(), keys)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, called
}

// --- JWKSClient tests ---

func TestJWKSClient_GetKey_RSA(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("rsa-key-1", &rsaKey.PublicKey))

	key, err := NewJWKSClient(srv.URL, time.Hour, nil).GetKey(context.Background(), "rsa-key-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pubKey, ok := key.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *rsa.PublicKey", key)
	}
	if pubKey.N.Cmp(rsaKey.PublicKey.N) != 0 {
		t.Error("RSA modulus mismatch")
	}
}

func TestJWKSClient_GetKey_EC(t *testing.T) {
	ecKey := generateECKey(t)
	srv := startJWKSServer(t, nil, ecKeyToJWK("ec-key-1", &ecKey.PublicKey))

	key, err := NewJWKSClient(srv.URL, time.Hour, nil).GetKey(context.Background(), "ec-key-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pubKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *ecdsa.PublicKey", key)
	}
	if pubKey.X.Cmp(ecKey.PublicKey.X) != 0 {
		t.Error("EC X mismatch")
	}
}

func TestJWKSClient_GetKey_unknown(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("rsa-key-1", &rsaKey.PublicKey))

	if _, err := NewJWKSClient(srv.URL, time.Hour, nil).GetKey(context.Background(), "other"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
}

func TestJWKSClient_caching(t *testing.T) {
	rsaKey := generateRSAKey(t)
	var hits atomic.Int32
	srv := startJWKSServer(t, &hits, rsaKeyToJWK("k", &rsaKey.PublicKey))

	client := NewJWKSClient(srv.URL, time.Hour, nil)
	for range 3 {
		if _, err := client.GetKey(context.Background(), "k"); err != nil {
			t.Fatalf("GetKey: %v", err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("JWKS fetched %d times, want 1", got)
	}
}

func TestJWKSClient_degradedMode(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("k", &rsaKey.PublicKey))

	client := NewJWKSClient(srv.URL, time.Millisecond, nil)
	client.minRefresh = 0
	if _, err := client.GetKey(context.Background(), "k"); err != nil {
		t.Fatalf("GetKey: %v", err)
	}

	srv.Close()
	time.Sleep(5 * time.Millisecond)
	if _, err := client.GetKey(context.Background(), "k"); err != nil {
		t.Errorf("expired cache with unreachable JWKS should fall back to cached key: %v", err)
	}
}

func TestJWKSClient_HealthCheck(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("k", &rsaKey.PublicKey))
	if err := NewJWKSClient(srv.URL, time.Hour, nil).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	empty := startJWKSServer(t, nil)
	if err := NewJWKSClient(empty.URL, time.Hour, nil).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck on empty key set should fail")
	}
}

// --- JWTAuthenticator tests ---

func TestJWTAuthenticator_validToken(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("test-key", &rsaKey.PublicKey))

	var gotClaims map[string]any
	handler := JWTAuthenticator(testIdentityCfg(), NewJWKSClient(srv.URL, time.Hour, nil))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotClaims = ClaimsFrom(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", validClaims()))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotClaims["sub"] != "u-secretary" || gotClaims["role"] != "secretary" {
		t.Errorf("claims = %v", gotClaims)
	}
}

func TestJWTAuthenticator_validToken_EC(t *testing.T) {
	ecKey := generateECKey(t)
	srv := startJWKSServer(t, nil, ecKeyToJWK("ec-test", &ecKey.PublicKey))

	token := signJWT(t, ecKey, jwt.SigningMethodES256, "ec-test", validClaims())
	w, called := serveAuth(t, NewJWKSClient(srv.URL, time.Hour, nil), "Bearer "+token)
	if w.Code != http.StatusOK || !called {
		t.Errorf("status = %d, want 200 for ES256 token", w.Code)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	rsaKey := generateRSAKey(t)
	otherKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("test-key", &rsaKey.PublicKey))
	keys := NewJWKSClient(srv.URL, time.Hour, nil)

	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		mutate(c)
		return c
	}

	tests := []struct {
		name        string
		header      string
		wantMessage string
	}{
		{"missing header", "", "Missing authorization header"},
		{"basic scheme", "Basic dXNlcjpwYXNz", "Invalid authorization header format"},
		{"empty bearer", "Bearer ", "Invalid authorization header format"},
		{
			"expired",
			"Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", with(func(c jwt.MapClaims) {
				c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			})),
			"Token expired",
		},
		{
			"wrong issuer",
			"Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", with(func(c jwt.MapClaims) {
				c["iss"] = "https://evil.example"
			})),
			"Invalid token issuer",
		},
		{
			"wrong audience",
			"Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", with(func(c jwt.MapClaims) {
				c["aud"] = "someone-else"
			})),
			"Invalid token audience",
		},
		{
			"missing exp",
			"Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", with(func(c jwt.MapClaims) {
				delete(c, "exp")
			})),
			"Missing required claim",
		},
		{
			"unknown kid",
			"Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "nope", validClaims()),
			"Unknown signing key",
		},
		{
			"wrong signature",
			"Bearer " + signJWT(t, otherKey, jwt.SigningMethodRS256, "test-key", validClaims()),
			"Invalid token signature",
		},
		{
			"disallowed algorithm",
			"Bearer " + signJWT(t, []byte("secret"), jwt.SigningMethodHS256, "test-key", validClaims()),
			"Invalid token signature",
		},
		{"garbage", "Bearer not.a.jwt", "Malformed token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, called := serveAuth(t, keys, tt.header)
			if called {
				t.Error("handler should not be called")
			}
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if got := decodeError(t, w); got.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, nil, rsaKeyToJWK("test-key", &rsaKey.PublicKey))

	claims := validClaims()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))
	token := signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", claims)

	w, called := serveAuth(t, NewJWKSClient(srv.URL, time.Hour, nil), "Bearer "+token)
	if w.Code != http.StatusOK || !called {
		t.Errorf("status = %d, want 200 within 30s leeway", w.Code)
	}
}
