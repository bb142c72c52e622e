package consistency

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
)

func fastOptions() Options {
	return Options{
		Name:            "test",
		MaxAttempts:     5,
		Delay:           5 * time.Millisecond,
		MaxWait:         500 * time.Millisecond,
		BreakerFailures: 0,
	}
}

// scripted returns the scripted results in order and repeats the last one.
func scripted(results ...error) (Getter[string, string], *atomic.Int32) {
	var calls atomic.Int32
	return func(_ context.Context, key string) (string, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(results) {
			n = len(results) - 1
		}
		if err := results[n]; err != nil {
			return "", err
		}
		return "value-" + key, nil
	}, &calls
}

func TestReader_Get(t *testing.T) {
	notFound := errors.NotFound("record", "r1")
	unavailable := errors.New(errors.ErrCodeUnavailable, "replica down")

	tests := []struct {
		name      string
		results   []error
		wantCode  errors.Code
		wantCalls int32
	}{
		{name: "immediately visible", results: []error{nil}, wantCalls: 1},
		{name: "appears after lag", results: []error{notFound, notFound, nil}, wantCalls: 3},
		{name: "never created", results: []error{notFound}, wantCode: errors.ErrCodeNotFound, wantCalls: 5},
		{name: "transient then visible", results: []error{unavailable, notFound, nil}, wantCalls: 3},
		{name: "permanent error stops retries", results: []error{errors.New(errors.ErrCodeValidation, "bad id")}, wantCode: errors.ErrCodeValidation, wantCalls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			get, calls := scripted(tc.results...)
			r := NewReader(get, fastOptions(), nil)

			v, err := r.Get(context.Background(), "r1")
			if tc.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, "value-r1", v)
			} else {
				require.Error(t, err)
				assert.Equal(t, tc.wantCode, errors.CodeOf(err))
			}
			assert.Equal(t, tc.wantCalls, calls.Load())
		})
	}
}

func TestReader_TransientErrorsNeverBecomeNotFound(t *testing.T) {
	get, calls := scripted(errors.New(errors.ErrCodeUnavailable, "replica down"))
	opts := fastOptions()
	opts.MaxWait = 150 * time.Millisecond

	r := NewReader(get, opts, nil)
	start := time.Now()
	_, err := r.Get(context.Background(), "r1")

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))
	assert.Greater(t, calls.Load(), int32(opts.MaxAttempts), "transient failures must not consume the not-found budget")
	assert.Less(t, time.Since(start), time.Second)
}

func TestReader_OpenBreakerIsUnavailable(t *testing.T) {
	get, _ := scripted(stderrors.New("connection refused"), errors.New(errors.ErrCodeUnavailable, "down"))
	opts := fastOptions()
	opts.BreakerFailures = 1
	opts.BreakerTimeout = time.Minute
	opts.MaxWait = 40 * time.Millisecond

	r := NewReader(get, opts, nil)

	// A foreign error is permanent and trips the breaker.
	_, err := r.Get(context.Background(), "r1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(err))

	_, err = r.Get(context.Background(), "r1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))
}

func TestReader_NotFoundDoesNotTripBreaker(t *testing.T) {
	get, calls := scripted(errors.NotFound("record", "r1"))
	opts := fastOptions()
	opts.BreakerFailures = 1

	r := NewReader(get, opts, nil)
	for i := 0; i < 2; i++ {
		_, err := r.Get(context.Background(), "r1")
		assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
	}
	assert.Equal(t, int32(2*opts.MaxAttempts), calls.Load())
}

func TestReader_ContextCancelled(t *testing.T) {
	get, _ := scripted(errors.NotFound("record", "r1"))
	opts := fastOptions()
	opts.Delay = time.Second
	opts.MaxWait = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := NewReader(get, opts, nil)
	start := time.Now()
	_, err := r.Get(ctx, "r1")

	require.Error(t, err)
	assert.NotEqual(t, errors.ErrCodeNotFound, errors.CodeOf(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestReader_MaxWaitBoundsHungSource(t *testing.T) {
	var hung Getter[string, string] = func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	opts := fastOptions()
	opts.MaxWait = 100 * time.Millisecond

	r := NewReader(hung, opts, nil)
	start := time.Now()
	_, err := r.Get(context.Background(), "r1")

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestReader_HungAfterNotFoundIsNotFound(t *testing.T) {
	var calls atomic.Int32
	var get Getter[string, string] = func(ctx context.Context, key string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.NotFound("record", key)
		}
		<-ctx.Done()
		return "", ctx.Err()
	}
	opts := fastOptions()
	opts.MaxWait = 100 * time.Millisecond

	r := NewReader(get, opts, nil)
	start := time.Now()
	_, err := r.Get(context.Background(), "r1")

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}
