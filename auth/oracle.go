// Package auth implements the Access Oracle: bearer-token verification and
// share-token resolution for incoming WebSocket connections. It never
// issues credentials — that belongs to the out-of-scope HTTP collaborator —
// it only verifies and resolves what that system already issued.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/collabhq/whiteboard/config"
	"github.com/collabhq/whiteboard/persist"
)

// Claims mirrors the shape the board-management system's JWTs already
// carry: subject is the principal id, plus a display name and the standard
// issued-at/expiry pair.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Principal is the authenticated (or share-link-resolved) identity behind a
// connection attempt.
type Principal struct {
	ID       string
	Username string
	BoardID  uuid.UUID
	Role     persist.Role
}

// ErrUnauthorized is returned by Oracle methods when a credential is
// missing, malformed, expired, or revoked.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Oracle is the Access Oracle: C7. It verifies bearer JWTs, resolves share
// tokens, and answers role_for queries, backed by Postgres (via the shared
// persistence Store) and a Redis cache that absorbs the hot path so CRDT
// traffic never has to round-trip to Postgres per frame.
type Oracle struct {
	secret   []byte
	issuer   string
	store    persist.Store
	redis    *redis.Client
	shareTTL time.Duration
}

// New creates an Oracle. redisClient may be nil, in which case caching is
// skipped and every lookup falls through to store directly — the cache is
// an optimization, never a correctness requirement.
func New(cfg config.AuthConfig, store persist.Store, redisClient *redis.Client) *Oracle {
	return &Oracle{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		store:    store,
		redis:    redisClient,
		shareTTL: cfg.ShareCacheTTL,
	}
}

// NewRedisClient builds the go-redis client this package's cache uses.
func NewRedisClient(cfg config.AuthConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// VerifyBearer validates a bearer token and returns the principal it names.
// A revoked, expired, malformed, or wrong-issuer token is ErrUnauthorized.
func (o *Oracle) VerifyBearer(ctx context.Context, token string) (*Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return o.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Issuer != "" && o.issuer != "" && claims.Issuer != o.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrUnauthorized)
	}

	if revoked, err := o.isRevoked(ctx, claims.ID); err == nil && revoked {
		return nil, fmt.Errorf("%w: token revoked", ErrUnauthorized)
	}

	return &Principal{ID: claims.Subject, Username: claims.Username}, nil
}

// isRevoked checks the revoked-token cache. Cache unavailability fails open
// (treated as "not revoked") rather than rejecting every connection when
// Redis is down — an infrastructure hiccup degrades the core, it does not
// take it down.
func (o *Oracle) isRevoked(ctx context.Context, jti string) (bool, error) {
	if o.redis == nil || jti == "" {
		return false, nil
	}
	n, err := o.redis.Exists(ctx, "revoked:"+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke marks a token's jti as revoked until ttl elapses, push-invalidating
// the cache VerifyBearer consults.
func (o *Oracle) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if o.redis == nil || jti == "" {
		return nil
	}
	return o.redis.Set(ctx, "revoked:"+jti, "1", ttl).Err()
}

// ResolveShare resolves a share-link token to the board and role it grants.
// A resolved-but-not-yet-expired result is cached in Redis for ShareCacheTTL,
// or for the share's remaining lifetime if that is shorter, so repeat joins via the same share link (e.g. a guest reconnecting) don't
// need a fresh Postgres round trip.
func (o *Oracle) ResolveShare(ctx context.Context, token string) (*persist.ResolvedShare, error) {
	if cached, err := o.cachedShare(ctx, token); err == nil && cached != nil {
		return cached, nil
	}

	resolved, err := o.store.ResolveShare(ctx, token)
	if err != nil {
		if errors.Is(err, persist.ErrShareNotFound) {
			return nil, fmt.Errorf("%w: share link not found", ErrUnauthorized)
		}
		return nil, err
	}

	o.cacheShare(ctx, token, resolved)
	return resolved, nil
}

func (o *Oracle) cachedShare(ctx context.Context, token string) (*persist.ResolvedShare, error) {
	if o.redis == nil {
		return nil, nil
	}
	boardID, err := o.redis.HGet(ctx, "share:"+token, "board_id").Result()
	if err != nil {
		return nil, err
	}
	role, err := o.redis.HGet(ctx, "share:"+token, "role").Result()
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(boardID)
	if err != nil {
		return nil, err
	}
	return &persist.ResolvedShare{BoardID: parsed, Role: persist.Role(role)}, nil
}

func (o *Oracle) cacheShare(ctx context.Context, token string, resolved *persist.ResolvedShare) {
	if o.redis == nil {
		return
	}
	ttl := o.shareTTL
	if !resolved.ExpiresAt.IsZero() {
		if remaining := time.Until(resolved.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	key := "share:" + token
	o.redis.HSet(ctx, key, "board_id", resolved.BoardID.String(), "role", string(resolved.Role))
	o.redis.Expire(ctx, key, ttl)
}

// RoleFor answers what role principalID holds on boardID, consulting the
// board-management system's own collaborator table. It is never consulted
// during ordinary CRDT traffic — only at join time to decide whether a
// bearer-authenticated principal may attach to this particular board.
func (o *Oracle) RoleFor(ctx context.Context, boardID uuid.UUID, principalID string) (persist.Role, error) {
	return o.store.RoleFor(ctx, boardID, principalID)
}
