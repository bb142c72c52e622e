// Package consistency provides a read-after-write decorator for stores
// that serve reads from a lagging replica.
package consistency

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
)

// Getter reads one value by key.
type Getter[K, T any] func(ctx context.Context, key K) (T, error)

// Options bound the retries of a Reader.
type Options struct {
	// Name identifies the source in logs and breaker state.
	Name string
	// MaxAttempts is the number of NOT_FOUND results tolerated before the
	// absence is reported.
	MaxAttempts int
	// Delay is the pause between attempts.
	Delay time.Duration
	// MaxWait caps the wall-clock time of one Get.
	MaxWait time.Duration

	// Breaker trips after this many consecutive source failures. Zero
	// disables tripping.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

// DefaultOptions returns the stock retry budget.
func DefaultOptions(name string) Options {
	return Options{
		Name:            name,
		MaxAttempts:     10,
		Delay:           300 * time.Millisecond,
		MaxWait:         3 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  10 * time.Second,
	}
}

// Reader retries NOT_FOUND reads until the value appears or the budget runs
// out. Transient failures are retried too but never count as absence: a
// Get that runs out of time while the source is failing returns UNAVAILABLE.
type Reader[K, T any] struct {
	get     Getter[K, T]
	opts    Options
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// NewReader wraps get.
func NewReader[K, T any](get Getter[K, T], opts Options, log *logger.Logger) *Reader[K, T] {
	def := DefaultOptions(opts.Name)
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = def.Delay
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = def.MaxWait
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = def.BreakerTimeout
	}
	if log == nil {
		log = logger.Nop()
	}

	failures := opts.BreakerFailures
	settings := gobreaker.Settings{
		Name:    "read-" + opts.Name,
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		// Absence is an answer, not a fault of the source.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.IsCode(err, errors.ErrCodeNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	}

	return &Reader[K, T]{
		get:     get,
		opts:    opts,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

// Get reads key, retrying within the configured budget. MaxWait bounds the
// whole call, including a source that never answers.
func (r *Reader[K, T]) Get(ctx context.Context, key K) (T, error) {
	var zero T
	deadline := time.Now().Add(r.opts.MaxWait)
	readCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	notFound := 0
	var lastErr error
	transient := false

	for attempt := 1; ; attempt++ {
		v, err := r.breaker.Execute(func() (interface{}, error) {
			return r.get(readCtx, key)
		})
		if err == nil {
			if attempt > 1 {
				r.log.Debug().Str("source", r.opts.Name).Int("attempt", attempt).Msg("Read became consistent")
			}
			return v.(T), nil
		}

		switch {
		case errors.IsCode(err, errors.ErrCodeNotFound):
			notFound++
			transient = false
			if notFound >= r.opts.MaxAttempts {
				return zero, err
			}
		case readCtx.Err() != nil && ctx.Err() == nil:
			// MaxWait ran out while the source was still reading.
			if notFound > 0 && !transient {
				return zero, lastErr
			}
			return zero, errors.Wrap(err, errors.ErrCodeUnavailable,
				fmt.Sprintf("%s did not answer within %s", r.opts.Name, r.opts.MaxWait))
		case isTransient(ctx, err):
			transient = true
		default:
			return zero, err
		}
		lastErr = err

		if time.Now().Add(r.opts.Delay).After(deadline) {
			if transient {
				return zero, errors.Wrap(lastErr, errors.ErrCodeUnavailable,
					fmt.Sprintf("%s unavailable after %d attempts", r.opts.Name, attempt))
			}
			return zero, lastErr
		}

		r.log.Debug().
			Str("source", r.opts.Name).
			Int("attempt", attempt).
			Bool("transient", transient).
			Msg("Read not yet consistent, retrying")

		if err := sleep(readCtx, r.opts.Delay); err != nil {
			return zero, errors.Wrap(err, errors.ErrCodeUnavailable, "consistent read cancelled")
		}
	}
}

func isTransient(ctx context.Context, err error) bool {
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.IsCode(err, errors.ErrCodeUnavailable) {
		return true
	}
	// A source timeout is transient; the caller's own deadline is not.
	return stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
