// Package credential supplies the platform bearer token to every
// network call. Accessors are injected into the gateway, the realtime
// channel and the session tracker instead of being read from globals.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential is returned when no token is available.
	ErrNoCredential = errors.New("no credential available")

	// ErrExpired is returned when the stored JWT has expired.
	ErrExpired = errors.New("credential expired")
)

const bearerPrefix = "bearer "

// Accessor supplies the current bearer token without its prefix.
type Accessor interface {
	Token(ctx context.Context) (string, error)
}

// Static is an Accessor returning a fixed token. An empty Static has
// no credential.
type Static string

// Token returns the fixed token, or ErrNoCredential when empty.
func (s Static) Token(ctx context.Context) (string, error) {
	token := Raw(string(s))
	if token == "" {
		return "", ErrNoCredential
	}
	if err := Check(token); err != nil {
		return "", err
	}
	return token, nil
}

// Func adapts a function to the Accessor interface.
type Func func(ctx context.Context) (string, error)

// Token calls f.
func (f Func) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Chain returns the first token any accessor yields. ErrNoCredential
// from one accessor moves on to the next; other errors stop the chain.
func Chain(accessors ...Accessor) Accessor {
	return Func(func(ctx context.Context) (string, error) {
		for _, a := range accessors {
			token, err := a.Token(ctx)
			if err == nil {
				return token, nil
			}
			if !errors.Is(err, ErrNoCredential) {
				return "", err
			}
		}
		return "", ErrNoCredential
	})
}

// Bearer returns the token as an Authorization header value, adding
// the Bearer prefix unless already present.
func Bearer(token string) string {
	raw := Raw(token)
	if raw == "" {
		return ""
	}
	return "Bearer " + raw
}

// Raw strips a case-insensitive Bearer prefix and surrounding space.
func Raw(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= len(bearerPrefix) &&
		strings.EqualFold(token[:len(bearerPrefix)], bearerPrefix) {
		token = strings.TrimSpace(token[len(bearerPrefix):])
	}
	return token
}

// Check inspects a JWT without verifying its signature and reports
// ErrExpired when its exp claim is in the past. Tokens that are not
// JWTs are accepted as opaque credentials.
func Check(token string) error {
	return checkAt(token, time.Now())
}

func checkAt(token string, now time.Time) error {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(Raw(token), &claims)
	if err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return fmt.Errorf("token expired at %s: %w",
			claims.ExpiresAt.Format(time.RFC3339), ErrExpired)
	}
	return nil
}

// Subject returns the JWT subject (the platform user id) when the
// token is a JWT carrying one.
func Subject(token string) string {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(Raw(token), &claims); err != nil {
		return ""
	}
	return claims.Subject
}
