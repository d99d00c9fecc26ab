// Package auth turns the credential presented when a connection is opened
// into a stable user identifier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential = errors.New("auth: missing credential")
	ErrInvalidCredential = errors.New("auth: invalid credential")
)

// Resolver maps a credential to a user identifier.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (userID string, err error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, credential string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}

// JWTResolver accepts HMAC signed tokens and takes the user id from the
// "id" claim, falling back to the subject.
type JWTResolver struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTResolver(secret []byte) *JWTResolver {
	return &JWTResolver{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})),
	}
}

func (r *JWTResolver) Resolve(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return "", ErrMissingCredential
	}
	if len(r.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", ErrInvalidCredential)
	}

	claims := jwt.MapClaims{}
	_, err := r.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	switch id := claims["id"].(type) {
	case float64:
		return strconv.FormatInt(int64(id), 10), nil
	case string:
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
	}
	if sub, err := claims.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
		return sub, nil
	}
	return "", fmt.Errorf("%w: token carries no user id", ErrInvalidCredential)
}

// Credential extracts the connection credential from a websocket upgrade
// request. Browsers cannot set headers on websocket requests, so the token
// may ride as the second entry of Sec-WebSocket-Protocol; in that case the
// first entry is returned as the subprotocol to echo back. Otherwise an
// Authorization bearer token or a "token" query parameter is used.
func Credential(r *http.Request) (credential, subprotocol string) {
	if raw := r.Header.Get("Sec-WebSocket-Protocol"); raw != "" {
		parts := strings.Split(raw, ",")
		if len(parts) >= 2 {
			return strings.TrimSpace(parts[1]), strings.TrimSpace(parts[0])
		}
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")), ""
	}
	return r.URL.Query().Get("token"), ""
}
