package backoff

import (
	"errors"
	"math"
	"time"
)

// Strategy selects how the delay between retry attempts grows.
type Strategy string

const (
	StrategyConstant    Strategy = "constant"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Policy describes how failed attempts are retried. The zero value disables
// retries (a single attempt, no delay).
type Policy struct {
	// Maximum number of attempts, including the first one
	MaxAttempts int

	Strategy Strategy

	// Delay before the first retry
	InitialDelay time.Duration

	// Multiplier applied per attempt for the exponential strategy. Defaults
	// to 2 when unset.
	Multiplier float64

	// Upper bound for any individual delay. 0 means unbounded.
	MaxDelay time.Duration

	// RetryableCodes restricts retries to errors carrying one of these
	// codes. Empty means every non-permanent error is retryable.
	RetryableCodes []string
}

// DefaultPolicy retries three times with an exponential backoff capped at one
// minute.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	Strategy:     StrategyExponential,
	InitialDelay: time.Second,
	Multiplier:   2,
	MaxDelay:     time.Minute,
}

// Delay computes the wait before the next attempt. attempt is 1-based: the
// value passed after the first failure is 1. The result is always clamped to
// [0, MaxDelay] when MaxDelay is set.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case StrategyExponential:
		multiplier := p.Multiplier
		if multiplier <= 0 {
			multiplier = 2
		}

		f := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
		if f > math.MaxInt64 {
			f = math.MaxInt64
		}
		d = time.Duration(f)
	default:
		d = p.InitialDelay
	}

	if d < 0 {
		d = 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	return d
}

// Coder is implemented by errors that carry a stable, provider- or
// domain-assigned code.
type Coder interface {
	ErrorCode() string
}

// Permanenter is implemented by errors that must never be retried.
type Permanenter interface {
	IsPermanent() bool
}

// Retryable reports whether err qualifies for another attempt under this
// policy. Permanent errors never do; when an allow-list of codes is
// configured, the error must carry one of them.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}

	var perm Permanenter
	if errors.As(err, &perm) && perm.IsPermanent() {
		return false
	}

	if len(p.RetryableCodes) == 0 {
		return true
	}

	var coder Coder
	if !errors.As(err, &coder) {
		return false
	}

	code := coder.ErrorCode()
	for _, c := range p.RetryableCodes {
		if c == code {
			return true
		}
	}

	return false
}
