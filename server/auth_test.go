package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAuthenticateTunnel(t *testing.T) {
	secret := []byte("s3cret")
	valid := jwt.RegisteredClaims{Subject: "user-42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	expired := jwt.RegisteredClaims{Subject: "user-42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}

	cases := []struct {
		name    string
		header  string
		query   string
		subject string
	}{
		{name: "bearer header", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, secret, valid), subject: "user-42"},
		{name: "query parameter", query: "?access_token=" + signToken(t, jwt.SigningMethodHS256, secret, valid), subject: "user-42"},
		{name: "missing token"},
		{name: "wrong secret", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), valid)},
		{name: "expired", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, secret, expired)},
		{name: "wrong algorithm", header: "Bearer " + signToken(t, jwt.SigningMethodHS512, secret, valid)},
		{name: "no subject", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, secret, jwt.RegisteredClaims{})},
		{name: "not bearer", header: "Basic dXNlcjpwYXNz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			subject, err := AuthenticateTunnel(r, secret)
			if tc.subject == "" {
				if err == nil {
					t.Fatalf("expected rejection, got subject %q", subject)
				}
				return
			}
			if err != nil || subject != tc.subject {
				t.Fatalf("expected subject %q, got %q (%v)", tc.subject, subject, err)
			}
		})
	}
}

func TestAuthenticateTunnelWithoutSecret(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := AuthenticateTunnel(r, nil); err == nil {
		t.Fatalf("expected an error when no secret is configured")
	}
}
