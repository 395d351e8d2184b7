package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errUnauthenticated = errors.New("unauthenticated")

// AuthenticateTunnel returns the subject of the HS256 JWT carried by r.
//
// The token is taken from "Authorization: Bearer <jwt>" or, since browsers
// cannot set headers on a WebSocket handshake, from the access_token query
// parameter.
func AuthenticateTunnel(r *http.Request, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errUnauthenticated
	}

	tokenStr := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		tokenStr = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	} else {
		tokenStr = r.URL.Query().Get("access_token")
	}
	if tokenStr == "" {
		return "", errUnauthenticated
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.Join(errUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errUnauthenticated
	}
	return claims.Subject, nil
}
