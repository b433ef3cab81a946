// Package retry implements the in-process retry executor: a bounded attempt
// loop with exponential backoff that runs inside the handling goroutine. It is
// the single place in the runtime that decides swallow-and-retry versus
// propagate-and-abort; nothing above it implements its own retry loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/docflow/internal/runtime/envelope"
)

// Defaults for the in-process policy. The stuck-document scanner reuses the
// same formula at minute scale.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffCap  = 60 * time.Second
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of invocations, first try included.
	MaxAttempts int

	// Base is the delay after the first failed attempt; each further failure
	// doubles it.
	Base time.Duration

	// Cap bounds the doubled delay.
	Cap time.Duration
}

// DefaultPolicy is the 3 attempts / 5s base / 60s cap in-process schedule.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = DefaultBackoffBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultBackoffCap
	}
	return p
}

// Delay returns the wait before attempt n+1, i.e. after the n-th failure:
// min(Base * 2^(n-1), Cap), and 0 for n < 1. For the default policy the
// sequence is 5s, 10s, 20s, 40s, 60s, 60s, ...
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	p = p.withDefaults()

	delay := p.Base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// ExhaustedError reports that every attempt failed transiently. The
// acknowledgment policy emits the *Failed event and nacks on it.
type ExhaustedError struct {
	// Attempts is the number of invocations performed.
	Attempts int

	// Err is the error of the final attempt.
	Err error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("docflow: %d attempts exhausted: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is a retry exhaustion, extracting it if so.
func IsExhausted(err error) (*ExhaustedError, bool) {
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted, true
	}
	return nil, false
}

// Executor runs operations under a Policy.
type Executor struct {
	policy Policy

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an executor; zero policy fields fall back to defaults.
func NewExecutor(policy Policy) *Executor {
	return &Executor{policy: policy.withDefaults(), sleep: sleepCtx}
}

// Policy returns the executor's effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs op until it succeeds, fails non-transiently, or the attempt
// budget is spent.
//
// A transient failure waits the backoff delay and re-attempts; the wait
// respects ctx, and a canceled wait aborts the loop surfacing ctx.Err() so bus
// redelivery takes over. Permanent, malformed, and skip errors abort
// immediately and propagate unchanged. Exhaustion returns *ExhaustedError
// wrapping the last attempt's error.
//
// The backoff sleep blocks only the calling goroutine.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retriable(err) {
			return err
		}
		lastErr = err

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Delay(attempt)
		var retryAfter *envelope.RetryAfterError
		if errors.As(err, &retryAfter) && retryAfter.Delay > 0 {
			delay = retryAfter.Delay
		}

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: e.policy.MaxAttempts, Err: lastErr}
}

// retriable reports whether the executor should re-attempt after err.
// Unclassified errors count as transient; the caller logs the missing
// classification.
func retriable(err error) bool {
	if envelope.IsClassified(err) {
		return errors.Is(err, envelope.ErrTransient)
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
