// Package retry wraps remote-store calls with bounded exponential backoff.
//
// Errors are classified into four kinds. Not-found and validation errors
// describe a bad request shape and are returned immediately; transient and
// unknown errors are assumed to be recoverable store faults and are retried
// until the attempt budget runs out, at which point the last observed error
// is returned verbatim so callers keep its classification.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	retryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collably",
		Subsystem: "store",
		Name:      "retry_attempts_total",
		Help:      "Total retried store calls by operation.",
	}, []string{"op"})

	retryExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collably",
		Subsystem: "store",
		Name:      "retry_exhausted_total",
		Help:      "Total store calls that failed after exhausting all retries.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(retryAttempts, retryExhausted)
}

// Kind classifies a remote-store failure.
type Kind int

const (
	// KindUnknown is an unclassified remote fault, retried up to the limit.
	KindUnknown Kind = iota
	// KindTransient is a network or server fault likely to succeed on retry.
	KindTransient
	// KindNotFound means the addressed row does not exist. Never retried.
	KindNotFound
	// KindValidation means the request shape is invalid (constraint or schema
	// violation). Never retried.
	KindValidation
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// ClassifiedError attaches a Kind to an underlying error.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient marks err as a recoverable store fault.
func Transient(err error) error {
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

// NotFound marks err as a missing-row failure that must not be retried.
func NotFound(err error) error {
	return &ClassifiedError{Kind: KindNotFound, Err: err}
}

// Validation marks err as a request-shape failure that must not be retried.
func Validation(err error) error {
	return &ClassifiedError{Kind: KindValidation, Err: err}
}

// KindOf extracts the classification of err. Unwrapped errors are treated as
// unknown, which keeps them retryable up to the attempt budget.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Retryable reports whether err should be retried.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindUnknown
}

// Executor retries a unit of work with exponential backoff.
type Executor struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// Defaults for NewExecutor when given non-positive values.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 2 * time.Second
)

// NewExecutor creates an executor. Non-positive arguments fall back to the
// package defaults.
func NewExecutor(maxRetries int, baseDelay, maxDelay time.Duration, logger *slog.Logger) *Executor {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay < baseDelay {
		maxDelay = DefaultMaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}
}

// Do calls fn, retrying transient and unknown failures up to maxRetries times
// with delay min(baseDelay << attempt, maxDelay) between attempts. Not-found
// and validation failures return immediately. After exhaustion the last
// observed error is returned with its classification intact.
func (e *Executor) Do(ctx context.Context, op string, fn func() error) error {
	var err error

	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !Retryable(err) {
			return err
		}

		if attempt >= e.maxRetries {
			retryExhausted.WithLabelValues(op).Inc()
			e.logger.Error("store call failed after exhausting retries",
				"op", op,
				"attempts", attempt+1,
				"kind", KindOf(err).String(),
				"error", err,
			)
			return err
		}

		delay := e.backoff(attempt)
		retryAttempts.WithLabelValues(op).Inc()
		e.logger.Warn("retrying store call",
			"op", op,
			"attempt", attempt+1,
			"delay", delay,
			"kind", KindOf(err).String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff returns min(baseDelay << attempt, maxDelay).
func (e *Executor) backoff(attempt int) time.Duration {
	// Guard against shift overflow on absurd attempt counts.
	if attempt > 30 {
		return e.maxDelay
	}
	d := e.baseDelay << uint(attempt)
	if d > e.maxDelay {
		return e.maxDelay
	}
	return d
}
