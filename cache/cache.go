// Package cache is a small string cache used for short-lived session and
// provider lookups. Values are sealed before they hit a backend, and the
// integrity middleware turns a tampered read into a plain miss so callers
// never see attacker-controlled plaintext.
package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/sealed"
)

// ErrMiss is the miss sentinel. Callers treat it like a not-found.
var ErrMiss = errors.New("cache: miss")

// Backend stores opaque strings under keys with a TTL.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Sealed wraps a backend so every value is sealed on write and opened on
// read. A value that fails authentication on Get is deleted from the
// backend and reported as a miss; if the delete itself fails, that error
// wins. Everywhere else the integrity error propagates untouched.
type Sealed struct {
	backend Backend
	codec   *sealed.Codec
}

// NewSealed builds the integrity middleware over a backend.
func NewSealed(backend Backend, codec *sealed.Codec) *Sealed {
	return &Sealed{backend: backend, codec: codec}
}

func (s *Sealed) Get(ctx context.Context, key string) (string, error) {
	ciphertext, err := s.backend.Get(ctx, key)
	if err != nil {
		return "", err
	}
	plaintext, err := s.codec.Open(ciphertext)
	if err != nil {
		if errors.Is(err, sealed.ErrUnsecureData) {
			if delErr := s.backend.Delete(ctx, key); delErr != nil {
				return "", delErr
			}
			return "", ErrMiss
		}
		return "", err
	}
	return string(plaintext), nil
}

func (s *Sealed) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ciphertext, err := s.codec.Seal([]byte(value))
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, key, ciphertext, ttl)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}
