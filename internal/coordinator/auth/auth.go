// Package auth authenticates API requests. Tokens arrive as a Bearer
// header or an api_key query parameter (the latter for EventSource clients
// that cannot set headers) and are either the static admin key or an OIDC
// JWT verified against the issuer's JWKS.
package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/runfleet/runfleet/internal/common/errors"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Method  string // "disabled", "admin_key", "oidc"
}

// Authenticator maps a presented token to a principal or a failure.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// Disabled accepts everything. Development only.
type Disabled struct{}

// Authenticate returns an anonymous principal for any token.
func (Disabled) Authenticate(context.Context, string) (*Principal, error) {
	return &Principal{Subject: "anonymous", Method: "disabled"}, nil
}

// StaticKey authenticates against the configured admin API key.
type StaticKey struct {
	Key string
}

// Authenticate compares in constant time.
func (s *StaticKey) Authenticate(_ context.Context, token string) (*Principal, error) {
	if s.Key == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.Key)) != 1 {
		return nil, errors.Unauthorized("invalid api key")
	}
	return &Principal{Subject: "admin", Method: "admin_key"}, nil
}

// Chain tries each authenticator in order, returning the first success.
type Chain []Authenticator

// Authenticate returns the first accepting principal, or unauthorized when
// every link rejects the token.
func (c Chain) Authenticate(ctx context.Context, token string) (*Principal, error) {
	for _, a := range c {
		if p, err := a.Authenticate(ctx, token); err == nil {
			return p, nil
		}
	}
	return nil, errors.Unauthorized("token rejected")
}

// principalKey stores the principal in the gin context.
const principalKey = "auth_principal"

// PrincipalFrom retrieves the authenticated principal set by Middleware.
func PrincipalFrom(c *gin.Context) *Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}

// Middleware extracts the token and authenticates the request, aborting
// with 401 on failure.
func Middleware(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		principal, err := a.Authenticate(c.Request.Context(), token)
		if err != nil {
			appErr := errors.AsAppError(err)
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if after, found := strings.CutPrefix(header, "Bearer "); found {
			return after
		}
	}
	return c.Query("api_key")
}
