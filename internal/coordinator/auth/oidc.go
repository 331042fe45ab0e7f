package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/runfleet/runfleet/internal/common/errors"
)

// jwksRefreshInterval bounds how long signing keys are cached before the
// issuer is consulted again.
const jwksRefreshInterval = 15 * time.Minute

// OIDC validates JWTs against a configured issuer's JWKS. The key set is
// discovered through the issuer's OpenID configuration document and cached;
// an unknown kid forces a refresh so key rotation is picked up promptly.
type OIDC struct {
	Issuer   string
	Audience string // optional; skipped when empty
	Client   *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewOIDC creates an OIDC authenticator for the issuer.
func NewOIDC(issuer, audience string) *OIDC {
	return &OIDC{
		Issuer:   issuer,
		Audience: audience,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Authenticate parses and verifies the JWT, returning the subject claim.
func (o *OIDC) Authenticate(ctx context.Context, tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, errors.Unauthorized("missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(o.Issuer),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	}
	if o.Audience != "" {
		opts = append(opts, jwt.WithAudience(o.Audience))
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return o.keyForKID(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, errors.Unauthorized("jwt validation failed: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.Unauthorized("unexpected claims type")
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, errors.Unauthorized("token has no subject")
	}
	return &Principal{Subject: subject, Method: "oidc"}, nil
}

// keyForKID returns the RSA key for kid, refreshing the cached JWKS when
// the kid is unknown or the cache is stale.
func (o *OIDC) keyForKID(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if key, ok := o.keys[kid]; ok && time.Since(o.fetchedAt) < jwksRefreshInterval {
		return key, nil
	}
	if err := o.refreshLocked(ctx); err != nil {
		return nil, err
	}
	key, ok := o.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no signing key for kid %q", kid)
	}
	return key, nil
}

type oidcDiscovery struct {
	JWKSURI string `json:"jwks_uri"`
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (o *OIDC) refreshLocked(ctx context.Context) error {
	discoveryURL := strings.TrimSuffix(o.Issuer, "/") + "/.well-known/openid-configuration"
	var discovery oidcDiscovery
	if err := o.fetchJSON(ctx, discoveryURL, &discovery); err != nil {
		return fmt.Errorf("oidc discovery failed: %w", err)
	}
	if discovery.JWKSURI == "" {
		return fmt.Errorf("issuer %s advertises no jwks_uri", o.Issuer)
	}

	var doc jwksDocument
	if err := o.fetchJSON(ctx, discovery.JWKSURI, &doc); err != nil {
		return fmt.Errorf("jwks fetch failed: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("jwks at %s contains no usable RSA keys", discovery.JWKSURI)
	}
	o.keys = keys
	o.fetchedAt = time.Now()
	return nil
}

func (o *OIDC) fetchJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
