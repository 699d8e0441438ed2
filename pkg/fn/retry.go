package fn

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryOpts configures Retry.
type RetryOpts struct {
	MaxAttempts int // below 1 runs once
	InitialWait time.Duration
	MaxWait     time.Duration // zero leaves the backoff uncapped
	Jitter      bool
	// Retryable reports whether a failed attempt may be retried. Nil retries
	// every error.
	Retryable func(error) bool
	// Name labels the retry span. Empty disables tracing.
	Name string
}

// Retry calls f until it succeeds, returns an error Retryable rejects, or
// MaxAttempts run out, doubling the wait between attempts. A cancelled
// context ends the wait with the context's error.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	if opts.Name == "" {
		r, _ := retry(ctx, opts, f)
		return r
	}
	var span trace.Span
	ctx, span = otel.Tracer("pkg/fn").Start(ctx, opts.Name)
	defer span.End()
	r, attempts := retry(ctx, opts, f)
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if r.err != nil {
		span.SetStatus(codes.Error, r.err.Error())
	}
	return r
}

func retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) (Result[T], int) {
	limit := max(opts.MaxAttempts, 1)
	wait := opts.InitialWait
	for attempt := 1; ; attempt++ {
		r := f(ctx)
		if r.err == nil || attempt == limit {
			return r, attempt
		}
		if opts.Retryable != nil && !opts.Retryable(r.err) {
			return r, attempt
		}
		if ctx.Err() != nil {
			return Err[T](ctx.Err()), attempt
		}

		t := time.NewTimer(opts.backoff(wait))
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err()), attempt
		case <-t.C:
		}
		wait = opts.capped(2 * wait)
	}
}

// backoff is the sleep before the next attempt: wait, jittered to
// [0.5, 1.5) of itself when enabled, within MaxWait.
func (o RetryOpts) backoff(wait time.Duration) time.Duration {
	if o.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	return o.capped(wait)
}

func (o RetryOpts) capped(d time.Duration) time.Duration {
	if o.MaxWait > 0 && d > o.MaxWait {
		return o.MaxWait
	}
	return d
}
