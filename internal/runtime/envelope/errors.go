package envelope

import (
	"errors"
	"fmt"
	"time"
)

// Classification sentinels. The acknowledgment policy switches on these; every
// error a handler returns should be wrapped (Transient, Permanent, RetryAfter)
// or match one of the sentinels, so the decision to requeue or drop is explicit
// at the call site rather than implied by propagation.
var (
	// ErrTransient marks infrastructure failures (timeouts, connection
	// refused, resource exhaustion) that a later attempt can succeed on.
	ErrTransient = errors.New("docflow: transient failure")

	// ErrPermanent marks business failures (rule violations, referential
	// integrity) that no amount of redelivery will fix.
	ErrPermanent = errors.New("docflow: permanent failure")

	// ErrMalformed marks input that failed structural or schema validation.
	// Malformed messages are dropped, never retried.
	ErrMalformed = errors.New("docflow: malformed message")

	// ErrSkip acknowledges a message without processing it, for intentional
	// ignores such as duplicates detected by the idempotency guard.
	ErrSkip = errors.New("docflow: skip message")
)

// Structural validation failure causes.
var (
	errMissingType      = errors.New("missing type")
	errMissingVersion   = errors.New("missing version")
	errMissingID        = errors.New("missing id")
	errMissingTimestamp = errors.New("missing timestamp")
	errMissingData      = errors.New("missing data")
	errInvalidData      = errors.New("data is not valid JSON")
)

// ValidationError reports a structural or schema mismatch. A registry miss and
// a shape mismatch are the same condition as far as delivery is concerned:
// permanent, drop-not-retry.
type ValidationError struct {
	Type    string
	Version string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("docflow: invalid envelope: %v", e.Err)
	}
	return fmt.Sprintf("docflow: invalid envelope %s/%s: %v", e.Type, e.Version, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMalformed) match validation failures.
func (e *ValidationError) Is(target error) bool {
	if target == ErrMalformed {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

type classifiedError struct {
	class error
	cause error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%v: %v", e.class, e.cause)
}

func (e *classifiedError) Unwrap() error { return e.cause }

func (e *classifiedError) Is(target error) bool { return target == e.class }

// Transient wraps err as a retriable infrastructure failure. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrTransient, cause: err}
}

// Permanent wraps err as a non-retriable business failure. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrPermanent, cause: err}
}

// RetryAfterError asks for redelivery after a specific delay, for dependencies
// that report their own recovery time (rate limits, maintenance windows).
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// RetryAfter builds a RetryAfterError with the given delay.
func RetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("docflow: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("docflow: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

// Is lets retry-after errors satisfy errors.Is(err, ErrTransient).
func (e *RetryAfterError) Is(target error) bool {
	if target == ErrTransient {
		return true
	}
	_, ok := target.(*RetryAfterError)
	return ok
}

// Outcome is the acknowledgment decision for a handled message.
type Outcome int

const (
	// OutcomeAck acknowledges the message.
	OutcomeAck Outcome = iota

	// OutcomeRequeue nacks the message for bus-level redelivery.
	OutcomeRequeue

	// OutcomeRequeueAfter nacks the message for redelivery after a delay.
	OutcomeRequeueAfter

	// OutcomeDrop acknowledges the message without success, after failure
	// handling (logging, metrics, the *Failed event) has run.
	OutcomeDrop

	// OutcomeSkip acknowledges the message without invoking any effects.
	OutcomeSkip
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeRequeueAfter:
		return "requeue_after"
	case OutcomeDrop:
		return "drop"
	case OutcomeSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ClassifyError maps a handler error to its acknowledgment outcome. The delay
// is non-zero only for OutcomeRequeueAfter.
//
// Unclassified errors requeue: under at-least-once delivery, redelivering an
// effect that is idempotent is safe, while silently dropping is not. The error
// is still a classification bug at the call site; callers log it as such.
func ClassifyError(err error) (Outcome, time.Duration) {
	if err == nil {
		return OutcomeAck, 0
	}

	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		return OutcomeRequeueAfter, retryAfter.Delay
	}

	if errors.Is(err, ErrSkip) {
		return OutcomeSkip, 0
	}

	if errors.Is(err, ErrMalformed) {
		return OutcomeDrop, 0
	}

	if errors.Is(err, ErrPermanent) {
		return OutcomeDrop, 0
	}

	return OutcomeRequeue, 0
}

// IsClassified reports whether err carries an explicit delivery classification.
func IsClassified(err error) bool {
	if err == nil {
		return false
	}
	var retryAfter *RetryAfterError
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrPermanent) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrSkip) ||
		errors.As(err, &retryAfter)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err is a non-retriable business failure.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}

// ErrorClass names the classification of err for logs, metrics, and the
// error_type field of failure events.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrSkip):
		return "skip"
	default:
		return "unclassified"
	}
}
