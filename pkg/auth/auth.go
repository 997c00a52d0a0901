// Package auth issues and verifies the HS256 tokens that relays accept.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is who a token was issued to.
type Identity struct {
	UserID string
	Name   string
}

func Issue(secret []byte, id Identity, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":   id.UserID,
		"user_name": id.Name,
		"iat":       time.Now().Unix(),
	}
	if ttl != 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func Verify(secret []byte, token string) (*Identity, error) {
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.Parse(token, func(*gojwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims := parsed.Claims.(gojwt.MapClaims)
	id := &Identity{}
	if v, ok := claims["user_id"].(string); ok {
		id.UserID = v
	}
	if v, ok := claims["user_name"].(string); ok {
		id.Name = v
	}
	if id.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user_id", ErrUnauthorized)
	}
	return id, nil
}

// TokenFromRequest reads a bearer token from the Authorization header or,
// for browser websockets that cannot set headers, the token query
// parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached by Middleware, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// Middleware rejects requests without a valid token with 401. A nil or
// empty secret disables verification.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Verify(secret, TokenFromRequest(r))
			if err != nil {
				slog.Debug("rejected request", "url", r.URL.Path, "err", err)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
