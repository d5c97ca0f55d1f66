package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// TokenVerifier is the identity verifier collaborator. The core calls it
// once, at connect time.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (model.Identity, error)
}

// Claims is the expected token shape: subject as the user id plus the
// tenant scope and permission grants.
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// JWTVerifier validates HS256 bearer tokens.
type JWTVerifier struct {
	secret []byte
	issuer string

	// [HOT_PATH] Verified tokens repeat heavily across reconnects and
	// long-poll cycles; the LRU skips the signature check for known ones.
	// Entries become useless, not unsafe, once the token expires, because
	// expiry is re-checked on every hit.
	cache *lru.Cache[string, cachedIdentity]
}

type cachedIdentity struct {
	identity  model.Identity
	expiresAt int64 // unix seconds, 0 for no expiry claim
}

func NewJWTVerifier(secret, issuer string, cacheSize int) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt verifier: empty signing secret")
	}
	cache, err := lru.New[string, cachedIdentity](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("jwt verifier: %w", err)
	}
	return &JWTVerifier{
		secret: []byte(secret),
		issuer: issuer,
		cache:  cache,
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, credential string) (model.Identity, error) {
	if credential == "" {
		return model.Identity{}, fmt.Errorf("missing credential: %w", model.ErrUnauthorized)
	}

	if hit, ok := v.cache.Get(credential); ok {
		if hit.expiresAt == 0 || hit.expiresAt > nowUnix() {
			return hit.identity, nil
		}
		v.cache.Remove(credential)
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return model.Identity{}, fmt.Errorf("token rejected: %w", model.ErrUnauthorized)
	}

	if claims.Subject == "" || claims.TenantID == "" {
		return model.Identity{}, fmt.Errorf("token missing identity claims: %w", model.ErrUnauthorized)
	}

	identity := model.Identity{
		UserID:      claims.Subject,
		TenantID:    claims.TenantID,
		Permissions: claims.Permissions,
	}

	entry := cachedIdentity{identity: identity}
	if claims.ExpiresAt != nil {
		entry.expiresAt = claims.ExpiresAt.Unix()
	}
	v.cache.Add(credential, entry)

	return identity, nil
}

func nowUnix() int64 { return time.Now().Unix() }
