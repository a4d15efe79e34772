// Package backoff computes the delays between repeated attempts of an
// operation: a worker dialing the master, or a task re-running after a
// failure on the same rank.
package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
)

// maxShift caps the exponent so 1<<attempt never overflows.
const maxShift = 62

// Kind selects a delay algorithm.
type Kind int

const (
	// Exponential doubles the delay on every attempt (default).
	Exponential Kind = iota
	// Jittered is Exponential scaled by a random factor in [1-j, 1+j].
	Jittered
	// Decorrelated picks each delay uniformly in [initial, 3*previous].
	Decorrelated
)

func (k Kind) String() string {
	switch k {
	case Jittered:
		return "jittered"
	case Decorrelated:
		return "decorrelated"
	default:
		return "exponential"
	}
}

// ParseKind maps a config string onto a Kind. The empty string is Exponential.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exponential":
		return Exponential, nil
	case "jittered":
		return Jittered, nil
	case "decorrelated":
		return Decorrelated, nil
	default:
		return Exponential, fmt.Errorf("backoff: unknown kind %q", s)
	}
}

// Strategy yields the delay to wait before attempt n+1 after attempt n failed.
// attempt is 0-indexed.
type Strategy interface {
	Next(attempt int) time.Duration
	Reset()
}

// New builds a Strategy. jitter is only used by Jittered and is clamped to [0, 1].
func New(kind Kind, initial, maxDelay time.Duration, jitter float64) Strategy {
	if maxDelay < initial {
		maxDelay = initial
	}

	switch kind {
	case Jittered:
		return &jittered{
			initial: initial,
			max:     maxDelay,
			factor:  clamp(jitter, 0, 1),
			rng:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter does not need crypto rand
		}
	case Decorrelated:
		return &decorrelated{
			initial: initial,
			max:     maxDelay,
			prev:    initial,
			rng:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
		}
	default:
		return &exponential{initial: initial, max: maxDelay}
	}
}

type exponential struct {
	initial, max time.Duration
}

func (e *exponential) Next(attempt int) time.Duration {
	return exponentialDelay(attempt, e.initial, e.max)
}

func (e *exponential) Reset() {}

type jittered struct {
	initial, max time.Duration
	factor       float64

	mu  sync.Mutex
	rng *rand.Rand
}

func (j *jittered) Next(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}
	base := exponentialDelay(attempt, j.initial, j.max)

	j.mu.Lock()
	mult := 1.0 + (j.rng.Float64()*2-1)*j.factor
	j.mu.Unlock()

	return clamp(time.Duration(float64(base)*mult), 0, j.max)
}

func (j *jittered) Reset() {}

// decorrelated keeps the previous delay, so it is stateful and must be Reset
// before it is reused for an unrelated sequence of attempts.
type decorrelated struct {
	initial, max time.Duration

	mu   sync.Mutex
	prev time.Duration
	rng  *rand.Rand
}

func (d *decorrelated) Next(attempt int) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if attempt <= 0 {
		d.prev = d.initial
		return d.initial
	}

	upper := min(time.Duration(float64(d.prev)*3), d.max)
	span := upper - d.initial
	if span <= 0 {
		d.prev = d.initial
		return d.initial
	}

	d.prev = d.initial + time.Duration(d.rng.Int63n(int64(span)))
	return d.prev
}

func (d *decorrelated) Reset() {
	d.mu.Lock()
	d.prev = d.initial
	d.mu.Unlock()
}

func exponentialDelay(attempt int, initial, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		return 0
	}
	if attempt >= maxShift {
		return maxDelay
	}

	delay := time.Duration(int64(1)<<uint(attempt)) * initial
	if delay > maxDelay || delay < 0 {
		return maxDelay
	}
	return delay
}

func clamp[T ~int64 | ~float64](v, lo, hi T) T {
	return max(lo, min(v, hi))
}

// attempts adapts a Strategy to the retry loop of cenkalti/backoff. It stops
// the loop once the next delay would end past deadline.
type attempts struct {
	s        Strategy
	n        int
	deadline time.Time
}

var _ cenkalti.BackOff = (*attempts)(nil)

func (a *attempts) NextBackOff() time.Duration {
	d := a.s.Next(a.n)
	a.n++
	if !a.deadline.IsZero() && time.Now().Add(d).After(a.deadline) {
		return cenkalti.Stop
	}
	return d
}

func (a *attempts) Reset() {
	a.n = 0
	a.s.Reset()
}

// Retry calls fn until it succeeds, ctx is done, or the next delay would run
// past the deadline budget (0 means no budget). The last error from fn is
// returned when giving up.
func Retry(ctx context.Context, s Strategy, budget time.Duration, fn func(attempt int) error) error {
	b := &attempts{s: s}
	if budget > 0 {
		b.deadline = time.Now().Add(budget)
	}

	var (
		attempt int
		last    error
	)
	err := cenkalti.Retry(func() error {
		last = fn(attempt)
		attempt++
		return last
	}, cenkalti.WithContext(b, ctx))

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
	default:
		return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
	}
}
