// Package fetch implements the stale-while-revalidate orchestrator that
// sits between UI-bound data consumers and the cache: serve what we already
// have immediately, refresh it in the background, and never let a late or
// failed refresh regress a view that was already showing something.
package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/estately/go-estate-client/cache"
)

// Fetcher loads a fresh value from the remote API.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Snapshot is the publishable state of one orchestrator instance.
type Snapshot[T any] struct {
	Data         *T
	IsLoading    bool
	IsRefreshing bool
	IsFromCache  bool
	Err          error
}

type fetchMode int

const (
	// fetchInitial is a cold-miss fetch: errors surface, then fall back to
	// stale cache if any exists.
	fetchInitial fetchMode = iota
	// fetchBackground revalidates an already-published cached value: errors
	// are swallowed.
	fetchBackground
	// fetchForced bypasses the cache-first branch and the in-flight guard.
	fetchForced
)

// Orchestrator serves (key, suffix) through the cache-first, revalidate-in-
// background policy. One instance backs one mounted consumer; Close marks
// the instance dead so late fetch completions are dropped instead of
// applied.
type Orchestrator[T any] struct {
	id                string
	cacheSvc          *cache.Service
	key               cache.Key
	suffix            string
	ttl               time.Duration
	fetcher           Fetcher[T]
	backgroundRefresh bool
	logger            zerolog.Logger

	lock       sync.Mutex
	snap       Snapshot[T]
	subs       map[int]func(Snapshot[T])
	nextSubID  int
	inFlight   bool
	generation uint64
	closed     bool
}

// Option modifies an Orchestrator during construction.
type Option[T any] func(*Orchestrator[T])

// WithSuffix scopes the cache entry, typically to a user ID.
func WithSuffix[T any](suffix string) Option[T] {
	return func(o *Orchestrator[T]) {
		o.suffix = suffix
	}
}

// WithBackgroundRefresh enables or disables revalidation after a cache hit.
// It is on by default.
func WithBackgroundRefresh[T any](enabled bool) Option[T] {
	return func(o *Orchestrator[T]) {
		o.backgroundRefresh = enabled
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger[T any](logger zerolog.Logger) Option[T] {
	return func(o *Orchestrator[T]) {
		o.logger = logger
	}
}

// New initializes an Orchestrator for one cache key and fetcher.
func New[T any](cacheSvc *cache.Service, key cache.Key, ttl time.Duration, fetcher Fetcher[T], options ...Option[T]) (*Orchestrator[T], error) {
	if cacheSvc == nil {
		return nil, errors.New("[fetch.New] cache service is required")
	}
	if fetcher == nil {
		return nil, errors.New("[fetch.New] fetcher is required")
	}

	o := &Orchestrator[T]{
		id:                uuid.New().String(),
		cacheSvc:          cacheSvc,
		key:               key,
		ttl:               ttl,
		fetcher:           fetcher,
		backgroundRefresh: true,
		logger:            zerolog.Nop(),
		subs:              make(map[int]func(Snapshot[T])),
	}

	for _, opt := range options {
		opt(o)
	}

	o.logger = o.logger.With().Str("orchestrator", o.id).Str("key", string(key)).Logger()
	return o, nil
}

// Snapshot returns the current publishable state.
func (o *Orchestrator[T]) Snapshot() Snapshot[T] {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.snap
}

// Subscribe registers fn to be called on every published state change and
// returns its unsubscribe function.
func (o *Orchestrator[T]) Subscribe(fn func(Snapshot[T])) func() {
	o.lock.Lock()
	defer o.lock.Unlock()

	id := o.nextSubID
	o.nextSubID++
	o.subs[id] = fn

	return func() {
		o.lock.Lock()
		defer o.lock.Unlock()
		delete(o.subs, id)
	}
}

// Load runs the cache-first branch: publish the cached value synchronously
// when present (then revalidate in the background), otherwise enter the
// loading state and fetch.
func (o *Orchestrator[T]) Load(ctx context.Context) {
	if cached, ok := cache.Get[T](ctx, o.cacheSvc, o.key, o.suffix); ok {
		o.publish(func(s *Snapshot[T]) {
			s.Data = cached
			s.IsLoading = false
			s.IsFromCache = true
			s.Err = nil
		})
		if o.backgroundRefresh {
			o.startFetch(ctx, fetchBackground)
		}
		return
	}

	o.publish(func(s *Snapshot[T]) {
		s.IsLoading = true
		s.Err = nil
	})
	o.startFetch(ctx, fetchInitial)
}

// Refresh re-runs the fetch. With force it bypasses the cache-first branch
// and the single-flight guard; without force it behaves like Load.
func (o *Orchestrator[T]) Refresh(ctx context.Context, force bool) {
	if !force {
		o.Load(ctx)
		return
	}
	o.startFetch(ctx, fetchForced)
}

// ClearCache removes the backing entry and clears the published data.
func (o *Orchestrator[T]) ClearCache(ctx context.Context) error {
	if err := o.cacheSvc.Remove(ctx, o.key, o.suffix); err != nil {
		return errors.Wrap(err, "[Orchestrator.ClearCache] remove entry")
	}
	o.publish(func(s *Snapshot[T]) {
		s.Data = nil
		s.IsFromCache = false
	})
	return nil
}

// Close marks the instance dead. In-flight fetches still write their result
// to the cache for the benefit of future instances, but no longer touch
// this instance's state.
func (o *Orchestrator[T]) Close() {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.closed = true
	o.subs = make(map[int]func(Snapshot[T]))
}

func (o *Orchestrator[T]) startFetch(ctx context.Context, mode fetchMode) {
	o.lock.Lock()
	if o.closed {
		o.lock.Unlock()
		return
	}
	// Single fetch in flight per instance. A forced refresh always
	// proceeds; it bumps the generation so the superseded fetch's result
	// is dropped on completion (last writer wins on idempotent reads).
	if o.inFlight && mode != fetchForced {
		o.lock.Unlock()
		return
	}
	o.inFlight = true
	o.generation++
	gen := o.generation

	o.snap.IsRefreshing = mode != fetchInitial
	snap, fns := o.snapshotSubsLocked()
	o.lock.Unlock()
	notify(snap, fns)

	go o.runFetch(ctx, gen, mode)
}

func (o *Orchestrator[T]) runFetch(ctx context.Context, gen uint64, mode fetchMode) {
	value, err := o.fetcher(ctx)

	if err == nil {
		// Fire-and-forget: the write benefits future mounts even if this
		// instance is gone or superseded by the time the fetch lands.
		cache.Set(ctx, o.cacheSvc, o.key, value, o.ttl, o.suffix)
	}

	// The stale fallback hits the store, so read it before taking the lock;
	// a slow store must not block Snapshot or Subscribe.
	var stale *T
	if err != nil && mode == fetchInitial {
		stale, _ = cache.GetStale[T](ctx, o.cacheSvc, o.key, o.suffix)
	}

	o.lock.Lock()
	if o.closed || gen != o.generation {
		o.lock.Unlock()
		return
	}
	o.inFlight = false
	o.snap.IsLoading = false
	o.snap.IsRefreshing = false

	switch {
	case err == nil:
		o.snap.Data = &value
		o.snap.IsFromCache = false
		o.snap.Err = nil
	case mode == fetchBackground:
		// A failed revalidation must never regress a successfully cached
		// view; keep the prior state and only log.
		o.logger.Debug().Err(err).Msg("background refresh failed")
	default:
		o.snap.Err = err
		if stale != nil {
			o.snap.Data = stale
			o.snap.IsFromCache = true
		}
	}

	snap, fns := o.snapshotSubsLocked()
	o.lock.Unlock()
	notify(snap, fns)
}

func (o *Orchestrator[T]) publish(mutate func(*Snapshot[T])) {
	o.lock.Lock()
	if o.closed {
		o.lock.Unlock()
		return
	}
	mutate(&o.snap)
	snap, fns := o.snapshotSubsLocked()
	o.lock.Unlock()
	notify(snap, fns)
}

func (o *Orchestrator[T]) snapshotSubsLocked() (Snapshot[T], []func(Snapshot[T])) {
	fns := make([]func(Snapshot[T]), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	return o.snap, fns
}

func notify[T any](snap Snapshot[T], fns []func(Snapshot[T])) {
	for _, fn := range fns {
		fn(snap)
	}
}
