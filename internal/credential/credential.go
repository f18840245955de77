// Package credential resolves the bearer token the realtime channels
// authenticate with. The token is read once per connect; rotating it
// requires an explicit reconnect.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("credential not found")

// Source yields the current bearer token. Implementations return
// ErrNotFound (possibly wrapped) when no token is stored.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, mostly useful in tests and one-off runs.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if t := normalize(string(s)); t != "" {
		return t, nil
	}
	return "", ErrNotFound
}

// EnvSource reads the token from an environment variable.
type EnvSource struct{ Key string }

func (e EnvSource) Token(context.Context) (string, error) {
	if t := normalize(os.Getenv(e.Key)); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("env %s: %w", e.Key, ErrNotFound)
}

// FileSource reads the token from a file on local storage, the way the
// mobile client keeps it in its secure store.
type FileSource struct{ Path string }

func (f FileSource) Token(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("token file %s: %w", f.Path, ErrNotFound)
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	if t := normalize(string(b)); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("token file %s is empty: %w", f.Path, ErrNotFound)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisSource reads the token from a shared Redis key, so a token refreshed
// by another process is picked up on the next reconnect.
type RedisSource struct {
	Client stringGetter
	Key    string
}

func (r RedisSource) Token(ctx context.Context) (string, error) {
	v, err := r.Client.Get(ctx, r.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis key %s: %w", r.Key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", r.Key, err)
	}
	if t := normalize(v); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("redis key %s is empty: %w", r.Key, ErrNotFound)
}

// Chain tries each source in order and returns the first token found.
type Chain []Source

func (c Chain) Token(ctx context.Context) (string, error) {
	var errs []error
	for _, s := range c {
		t, err := s.Token(ctx)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return "", errors.Join(append([]error{ErrNotFound}, errs...)...)
}

// Claims is the subset of token claims the client cares about.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Inspect decodes a JWT without verifying its signature. The server is the
// authority on validity; the client only looks at expiry so it does not
// dial with a token that is certain to be refused.
func Inspect(token string) (Claims, error) {
	rc := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, rc); err != nil {
		return Claims{}, fmt.Errorf("inspect token: %w", err)
	}
	c := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}

// Expired reports whether token is a JWT whose exp is not after now. Opaque
// (non-JWT) tokens never count as expired.
func Expired(token string, now time.Time) bool {
	c, err := Inspect(token)
	if err != nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

func normalize(raw string) string {
	t := strings.TrimSpace(raw)
	if len(t) > 7 && strings.EqualFold(t[:7], "bearer ") {
		t = strings.TrimSpace(t[7:])
	}
	return t
}
