package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
)

// Principal is the caller identified by a control API token
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier checks control API tokens against the auth server's JWKS
type JWTVerifier struct {
	jwksURL string
	issuer  string
	cache   *jwk.Cache
	refresh time.Duration
	log     zerolog.Logger

	mu   sync.RWMutex
	keys jwk.Set
}

// NewJWTVerifier creates a verifier for keys published at jwksURL. Keys are
// refreshed in the background until ctx is done. A non-empty issuer must
// match the iss claim of every token.
func NewJWTVerifier(ctx context.Context, jwksURL, issuer string, log zerolog.Logger) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL: jwksURL,
		issuer:  issuer,
		refresh: 5 * time.Minute,
		log:     log.With().Str("component", "jwt").Logger(),
	}

	v.cache = jwk.NewCache(ctx)
	if err := v.cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refresh)); err != nil {
		return nil, fmt.Errorf("register JWKS %s: %w", jwksURL, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keys, err := v.fetch(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.keys = keys

	go v.refreshLoop(ctx)
	return v, nil
}

// NewStaticJWTVerifier creates a verifier for a fixed key set
func NewStaticJWTVerifier(keys jwk.Set, issuer string) *JWTVerifier {
	return &JWTVerifier{keys: keys, issuer: issuer, log: zerolog.Nop()}
}

func (v *JWTVerifier) fetch(ctx context.Context) (jwk.Set, error) {
	keys, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keys, nil
}

func (v *JWTVerifier) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(v.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keys, err := v.fetch(fetchCtx)
		cancel()
		if err != nil {
			v.log.Warn().Err(err).Msg("refresh JWKS")
			continue
		}

		v.mu.Lock()
		v.keys = keys
		v.mu.Unlock()
	}
}

func (v *JWTVerifier) keySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys
}

// PrincipalFromRequest validates the bearer token of r and returns its subject
func (v *JWTVerifier) PrincipalFromRequest(r *http.Request) (*Principal, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.keySet()),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse JWT: %w", err)
	}
	if token.Subject() == "" {
		return nil, errors.New("token missing subject")
	}

	p := &Principal{ID: token.Subject()}
	if claim, ok := token.Get("email"); ok {
		p.Email, _ = claim.(string)
	}
	if claim, ok := token.Get("name"); ok {
		p.Name, _ = claim.(string)
	}
	return p, nil
}
