// Package cache stores previously-fetched API responses in the durable
// store with a per-entry time-to-live. The cache is a performance
// optimization, never a correctness dependency: reads treat any store or
// codec failure as a miss, and writes that cannot be completed are dropped
// silently.
package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/estately/go-estate-client/kvstore"
)

// Service coordinates typed cache access over the shared store. Typed reads
// and writes go through the package-level Get, GetStale and Set functions,
// which take the Service as an argument because methods cannot carry type
// parameters.
type Service struct {
	store   kvstore.Store
	nowTime func() time.Time
	logger  zerolog.Logger
}

// ServiceOption modifies a Service during construction.
type ServiceOption func(*Service)

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

// WithLogger sets the diagnostics logger for swallowed failures.
func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService initializes a Service over the given store.
func NewService(store kvstore.Store, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("[NewService] store is required")
	}

	service := &Service{
		store:   store,
		nowTime: time.Now,
		logger:  zerolog.Nop(),
	}

	for _, opt := range options {
		opt(service)
	}

	return service, nil
}

// Get returns the cached value for (key, suffix), or ok=false when the
// entry is absent, malformed, or past its TTL. Expired entries are treated
// as absent but are not eagerly deleted.
func Get[T any](ctx context.Context, s *Service, key Key, suffix string) (*T, bool) {
	env, ok := s.read(ctx, key, suffix)
	if !ok || env.expired(s.nowTime()) {
		return nil, false
	}
	return unmarshalValue[T](s, key, env)
}

// GetStale returns the cached value for (key, suffix) ignoring TTL expiry.
// It exists only for the error-path fallback: showing stale data beats
// showing nothing when a fetch has already failed.
func GetStale[T any](ctx context.Context, s *Service, key Key, suffix string) (*T, bool) {
	env, ok := s.read(ctx, key, suffix)
	if !ok {
		return nil, false
	}
	return unmarshalValue[T](s, key, env)
}

// Set writes value under (key, suffix) with the given TTL, overwriting any
// prior entry. Serialization and store failures are swallowed.
func Set[T any](ctx context.Context, s *Service, key Key, value T, ttl time.Duration, suffix string) {
	encoded, err := encodeEntry(value, s.nowTime(), ttl)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", string(key)).Msg("cache set skipped, value not serializable")
		return
	}
	if err := s.store.Set(ctx, storageKey(key, suffix), encoded); err != nil {
		s.logger.Debug().Err(err).Str("key", string(key)).Msg("cache set failed")
	}
}

// Remove deletes a single entry. Removing an absent entry is a no-op.
func (s *Service) Remove(ctx context.Context, key Key, suffix string) error {
	if err := s.store.Delete(ctx, storageKey(key, suffix)); err != nil {
		return errors.Wrap(err, "[Service.Remove] delete entry")
	}
	return nil
}

// OnLogout deletes every cache entry, suffixed or not. The session manager
// awaits this before the UI may navigate anywhere that re-renders cached
// data, so nothing cached by one user can leak to the next.
func (s *Service) OnLogout(ctx context.Context) error {
	if err := s.store.DeletePrefix(ctx, keyPrefix); err != nil {
		return errors.Wrap(err, "[Service.OnLogout] wipe cache namespace")
	}
	return nil
}

func (s *Service) read(ctx context.Context, key Key, suffix string) (envelope, bool) {
	stored, ok, err := s.store.Get(ctx, storageKey(key, suffix))
	if err != nil {
		s.logger.Debug().Err(err).Str("key", string(key)).Msg("cache read failed")
		return envelope{}, false
	}
	if !ok {
		return envelope{}, false
	}

	env, err := decodeEntry(stored)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", string(key)).Msg("cache entry malformed")
		return envelope{}, false
	}
	return env, true
}

func unmarshalValue[T any](s *Service, key Key, env envelope) (*T, bool) {
	var value T
	if err := env.value(&value); err != nil {
		s.logger.Debug().Err(err).Str("key", string(key)).Msg("cache value malformed")
		return nil, false
	}
	return &value, true
}
