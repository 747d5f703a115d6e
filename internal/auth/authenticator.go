// Package auth resolves access tokens to user records, fronting the user
// store with a TTL cache so the hot connect path rarely hits postgres.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unichat/internal/logger"
	"github.com/unichat/internal/model"
	"github.com/unichat/internal/storage"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownUser  = errors.New("unknown user")
)

// Claims is the token payload issued by the account system.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// UserSource loads user records when the cache misses.
type UserSource interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type Authenticator struct {
	secret []byte
	cache  storage.IdentityCache
	source UserSource
	ttl    time.Duration
}

func New(secret string, cache storage.IdentityCache, source UserSource, ttl time.Duration) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		cache:  cache,
		source: source,
		ttl:    ttl,
	}
}

// Authenticate verifies the signed token and resolves its user. Any
// failure, bad signature, expired token, missing or inactive user,
// yields an error; callers treat all of them as unauthenticated.
func (a *Authenticator) Authenticate(ctx context.Context, tokenStr string) (*model.User, error) {
	userID, err := a.verify(tokenStr)
	if err != nil {
		return nil, err
	}
	return a.resolve(ctx, userID)
}

func (a *Authenticator) verify(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

func (a *Authenticator) resolve(ctx context.Context, userID string) (*model.User, error) {
	if snap, err := a.cache.GetUser(ctx, userID); err != nil {
		logger.Errorf("auth: cache read: %v", err)
	} else if snap != nil {
		u := snap.ToUser()
		if !u.IsActive {
			return nil, ErrUnknownUser
		}
		return u, nil
	}

	u, err := a.source.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownUser, err)
	}
	if !u.IsActive {
		return nil, ErrUnknownUser
	}
	if err := a.cache.SetUser(ctx, model.SnapshotOf(u), a.ttl); err != nil {
		logger.Errorf("auth: cache write: %v", err)
	}
	return u, nil
}

// Invalidate drops the cached identity for a user. Call after any
// profile mutation so subsequent connects see fresh data.
func (a *Authenticator) Invalidate(ctx context.Context, userID string) {
	if err := a.cache.DeleteUser(ctx, userID); err != nil {
		logger.Errorf("auth: cache invalidate: %v", err)
	}
}
