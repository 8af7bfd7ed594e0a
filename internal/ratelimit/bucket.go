package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrMalformedBucket is returned when a serialized bucket cannot be parsed.
var ErrMalformedBucket = errors.New("malformed rate bucket")

// Clock returns the current time in milliseconds since the epoch.
type Clock func() int64

func systemClock() int64 {
	return time.Now().UnixMilli()
}

// Bucket is a token bucket throttling one source.
type Bucket struct {
	mu         sync.Mutex
	capacity   int32
	refillRate int64 // ms per token
	tokens     int32
	refillTime int64 // ms epoch of the next scheduled refill
	now        Clock
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(b *Bucket) {
		b.now = c
	}
}

// NewBucket creates a full bucket.
func NewBucket(capacity int32, refillRate int64, opts ...Option) *Bucket {
	b := &Bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		now:        systemClock,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.refillTime = b.now()
	return b
}

// TryConsume takes one token if available.
func (b *Bucket) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// TryConsumeN takes n tokens if available. Requests above capacity always fail.
func (b *Bucket) TryConsumeN(n int32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= n && n <= b.capacity {
		b.tokens -= n
		return true
	}
	return false
}

// refill adds one token per whole interval elapsed since refillTime. The
// timer then moves forward a single interval no matter how many tokens
// were added; after a clamp it restarts from now.
func (b *Bucket) refill() {
	if b.refillRate <= 0 {
		return
	}
	now := b.now()
	elapsed := now - b.refillTime
	tokensToAdd := elapsed / b.refillRate
	if tokensToAdd <= 0 {
		return
	}

	tokens := int64(b.tokens) + tokensToAdd
	if tokens > int64(b.capacity) {
		tokens = int64(b.capacity)
		b.refillTime = now
	}
	b.tokens = int32(tokens)
	b.refillTime += b.refillRate
}

// Snapshot returns the current bucket fields.
func (b *Bucket) Snapshot() (capacity int32, refillRate int64, tokens int32, refillTime int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity, b.refillRate, b.tokens, b.refillTime
}

// Tokens returns the number of tokens currently available without refilling.
func (b *Bucket) Tokens() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// String serializes the bucket as "capacity;refillRate;tokens;refillTime".
func (b *Bucket) String() string {
	c, r, t, rt := b.Snapshot()
	return fmt.Sprintf("%d;%d;%d;%d", c, r, t, rt)
}

// ParseBucket restores a bucket serialized with String.
func ParseBucket(s string, opts ...Option) (*Bucket, error) {
	fields := strings.Split(s, ";")
	if len(fields) < 4 {
		return nil, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedBucket, len(fields))
	}

	capacity, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: capacity: %v", ErrMalformedBucket, err)
	}
	refillRate, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: refill rate: %v", ErrMalformedBucket, err)
	}
	tokens, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: tokens: %v", ErrMalformedBucket, err)
	}
	refillTime, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: refill time: %v", ErrMalformedBucket, err)
	}

	b := &Bucket{
		capacity:   int32(capacity),
		refillRate: refillRate,
		tokens:     int32(tokens),
		refillTime: refillTime,
		now:        systemClock,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}
