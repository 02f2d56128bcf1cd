// Package settings serves platform settings such as the fee rate through a
// read-through cache. Time is injected so expiry is testable.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bazaar/internal/pricing"
)

// Well-known keys.
const (
	KeyPlatformFeePercent = "platform_fee_percent"
)

// ErrReadOnly is returned by Set when the source cannot be written.
var ErrReadOnly = errors.New("settings source is read-only")

// Clock returns the current time.
type Clock func() time.Time

// Source is the system of record.
type Source interface {
	// Get returns the value and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
}

// WritableSource can also persist values.
type WritableSource interface {
	Source
	Set(ctx context.Context, key, value string) error
}

// Cache holds values for a bounded time.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Service is the read-through front of a Source.
type Service struct {
	source   Source
	cache    Cache
	ttl      time.Duration
	defaults map[string]string
	logger   *slog.Logger
}

// NewService creates a settings service. defaults answer keys the source
// does not have.
func NewService(source Source, cache Cache, ttl time.Duration, defaults map[string]string, logger *slog.Logger) *Service {
	return &Service{source: source, cache: cache, ttl: ttl, defaults: defaults, logger: logger}
}

// Get returns the value for key. A cache failure falls through to the source.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if v, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("settings cache read failed", "key", key, "error", err)
	} else if ok {
		return v, nil
	}

	v, ok, err := s.source.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	if !ok {
		d, hasDefault := s.defaults[key]
		if !hasDefault {
			return "", fmt.Errorf("setting %s not found", key)
		}
		v = d
	}

	if err := s.cache.Set(ctx, key, v, s.ttl); err != nil {
		s.logger.Warn("settings cache write failed", "key", key, "error", err)
	}
	return v, nil
}

// Set writes through to the source and invalidates the cached value.
func (s *Service) Set(ctx context.Context, key, value string) error {
	w, ok := s.source.(WritableSource)
	if !ok {
		return ErrReadOnly
	}
	if err := w.Set(ctx, key, value); err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("settings cache invalidate failed", "key", key, "error", err)
	}
	return nil
}

// PlatformFeeRate returns the current platform fee.
func (s *Service) PlatformFeeRate(ctx context.Context) (pricing.Rate, error) {
	raw, err := s.Get(ctx, KeyPlatformFeePercent)
	if err != nil {
		return 0, err
	}
	rate, err := pricing.ParseRate(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", KeyPlatformFeePercent, err)
	}
	return rate, nil
}

// Validate checks a value before it is stored.
func Validate(key, value string) error {
	switch key {
	case KeyPlatformFeePercent:
		_, err := pricing.ParseRate(value)
		return err
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}
