// Package retry provides a small reusable backoff policy shared by the
// connection supervisor and the LLM call sites, so both layers get identical
// retry semantics: a retryability predicate, a bounded attempt count, and an
// exponential delay schedule.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted wraps the last error once the attempt bound is hit.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// DelayHinter lets an error carry a server-provided delay hint (Retry-After).
// When the hint is positive it overrides the computed backoff for that step.
type DelayHinter interface {
	DelayHint() time.Duration
}

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// MaxAttempts bounds total attempts (first try included). Values < 1
	// are treated as 1.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Multiplier scales the delay per retry. Zero means 2.
	Multiplier float64
	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries everything.
	Retryable func(error) bool
	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the backoff delay before retry n (zero-based): base × mⁿ.
func (p Policy) Delay(n int) time.Duration {
	m := p.Multiplier
	if m == 0 {
		m = 2
	}
	d := float64(p.BaseDelay)
	for i := 0; i < n; i++ {
		d *= m
	}
	return time.Duration(d)
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails non-retryably, or the attempt bound is
// reached. The context cancels waiting between attempts but never an attempt
// already in flight; fn is expected to honor the context itself.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	var err error
	for attempt := 0; attempt < max; attempt++ {
		if attempt > 0 {
			d := p.Delay(attempt - 1)
			var h DelayHinter
			if errors.As(err, &h) && h.DelayHint() > 0 {
				d = h.DelayHint()
			}
			if werr := p.wait(ctx, d); werr != nil {
				return werr
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
	}
	return errors.Join(ErrAttemptsExhausted, err)
}
