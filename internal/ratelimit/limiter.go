package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/novelshelf/catalogd/internal/domain"
)

// Store persists serialized buckets across restarts.
type Store interface {
	LoadBucket(ctx context.Context, sourceID int64) (string, error) // empty string when absent
	SaveBucket(ctx context.Context, sourceID int64, state string) error
}

// Limits is the shape of one source's bucket.
type Limits struct {
	Capacity   int32
	RefillRate time.Duration
}

// DefaultLimits allows a burst of 10 requests and one more per second.
var DefaultLimits = Limits{Capacity: 10, RefillRate: time.Second}

// Limiter hands out one bucket per source.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[int64]*Bucket
	overrides map[int64]Limits
	defaults  Limits
	store     Store
	clock     Clock
	log       zerolog.Logger
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock sets the clock used by every bucket the limiter creates.
func WithLimiterClock(c Clock) LimiterOption {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithOverrides sets per-source limits.
func WithOverrides(overrides map[int64]Limits) LimiterOption {
	return func(l *Limiter) {
		for id, lim := range overrides {
			l.overrides[id] = lim
		}
	}
}

// NewLimiter creates a limiter. store may be nil for in-memory throttling.
func NewLimiter(store Store, defaults Limits, log zerolog.Logger, opts ...LimiterOption) *Limiter {
	if defaults.Capacity <= 0 || defaults.RefillRate <= 0 {
		defaults = DefaultLimits
	}
	l := &Limiter{
		buckets:   make(map[int64]*Bucket),
		overrides: make(map[int64]Limits),
		defaults:  defaults,
		store:     store,
		clock:     systemClock,
		log:       log.With().Str("component", "ratelimit").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token for sourceID or returns domain.ErrRateLimited.
func (l *Limiter) Allow(ctx context.Context, sourceID int64) error {
	b := l.Bucket(ctx, sourceID)
	ok := b.TryConsume()
	l.persist(ctx, sourceID, b)
	if !ok {
		return fmt.Errorf("%w: source %d", domain.ErrRateLimited, sourceID)
	}
	return nil
}

// Bucket returns the bucket for sourceID, restoring it from the store on first use.
func (l *Limiter) Bucket(ctx context.Context, sourceID int64) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[sourceID]; ok {
		return b
	}

	limits := l.limitsFor(sourceID)
	b := l.restore(ctx, sourceID, limits)
	if b == nil {
		b = NewBucket(limits.Capacity, limits.RefillRate.Milliseconds(), WithClock(l.clock))
	}
	l.buckets[sourceID] = b
	return b
}

// Reset drops the bucket for sourceID so the next call starts full.
func (l *Limiter) Reset(sourceID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, sourceID)
}

func (l *Limiter) limitsFor(sourceID int64) Limits {
	if lim, ok := l.overrides[sourceID]; ok && lim.Capacity > 0 && lim.RefillRate > 0 {
		return lim
	}
	return l.defaults
}

func (l *Limiter) restore(ctx context.Context, sourceID int64, limits Limits) *Bucket {
	if l.store == nil {
		return nil
	}
	state, err := l.store.LoadBucket(ctx, sourceID)
	if err != nil {
		l.log.Warn().Err(err).Int64("source_id", sourceID).Msg("loading rate bucket")
		return nil
	}
	if state == "" {
		return nil
	}
	b, err := ParseBucket(state, WithClock(l.clock))
	if err != nil {
		l.log.Warn().Err(err).Int64("source_id", sourceID).Msg("discarding stored rate bucket")
		return nil
	}
	// Limits changed since the bucket was saved.
	if c, r, _, _ := b.Snapshot(); c != limits.Capacity || r != limits.RefillRate.Milliseconds() {
		return nil
	}
	return b
}

func (l *Limiter) persist(ctx context.Context, sourceID int64, b *Bucket) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveBucket(ctx, sourceID, b.String()); err != nil {
		l.log.Warn().Err(err).Int64("source_id", sourceID).Msg("saving rate bucket")
	}
}
