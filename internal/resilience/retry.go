package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy controls retry behavior with exponential backoff and jitter.
type Policy struct {
	// Attempts is the total number of tries including the first. 1 disables
	// retries. Default: 3.
	Attempts int

	// BaseDelay is the sleep before the first retry. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Default: 30s.
	MaxDelay time.Duration

	// Factor scales the delay after each attempt. Default: 2.
	Factor float64

	// Jitter widens each delay by a random fraction in [-Jitter, +Jitter].
	// Default: 0.25.
	Jitter float64

	// Classify decides whether an error is worth retrying. Defaults to
	// Retryable.
	Classify func(error) bool

	// OnAttempt runs before each retry sleep with the attempt number and the
	// error that triggered it.
	OnAttempt func(attempt int, err error)
}

// DefaultPolicy is the baseline for outbound API calls.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		Factor:    2,
		Jitter:    0.25,
	}
}

// SourcePolicy tunes retries for the post source, which rate-limits
// aggressively: more attempts, slower start.
func SourcePolicy() Policy {
	p := DefaultPolicy()
	p.Attempts = 4
	p.BaseDelay = time.Second
	return p
}

// EmbeddingPolicy tunes retries for the embedding provider.
func EmbeddingPolicy() Policy {
	p := DefaultPolicy()
	p.BaseDelay = 250 * time.Millisecond
	return p
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Factor <= 0 {
		p.Factor = d.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Classify == nil {
		p.Classify = Retryable
	}
	return p
}

func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt))
	d = math.Min(d, float64(p.MaxDelay))
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * p.Jitter * d
	}
	return time.Duration(math.Max(d, 0))
}

// DoVal runs fn under the policy, returning the first successful value.
// Non-retryable errors and context cancellation end the loop immediately.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !p.Classify(err) || attempt == p.Attempts-1 {
			break
		}

		if p.OnAttempt != nil {
			p.OnAttempt(attempt+1, err)
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// Do runs fn under the policy. Same semantics as DoVal without a value.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// AttemptLogger returns an OnAttempt hook that logs each retry.
func AttemptLogger(provider, op string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying call",
			zap.String("provider", provider),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
