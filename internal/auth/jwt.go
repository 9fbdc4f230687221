package auth

import (
	"context"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Principal is the authenticated caller extracted from a JWT.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// JWTVerifier validates inbound API tokens against a cached JWKS so
// the request hot path never blocks on a key fetch.
type JWTVerifier struct {
	jwksURL    string
	cache      *jwk.Cache
	keySet     jwk.Set
	keySetMu   gosync.RWMutex
	refreshTTL time.Duration
}

// NewJWTVerifier creates a verifier and warms the JWKS cache.
func NewJWTVerifier(jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()
	return v, nil
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMu.Lock()
			v.keySet = keySet
			v.keySetMu.Unlock()
		}
		// Stale keys keep serving until the next tick succeeds.
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMu.RLock()
	defer v.keySetMu.RUnlock()
	return v.keySet
}

// PrincipalFromRequest extracts and validates the JWT from the request.
func (v *JWTVerifier) PrincipalFromRequest(r *http.Request) (*Principal, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	id := token.Subject()
	if id == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}

	return &Principal{ID: id, Email: email}, nil
}
