package reconcile

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy selects how retry delays grow.
type Strategy string

const (
	// StrategyFixed waits the initial delay before every retry.
	StrategyFixed Strategy = "fixed"
	// StrategyExponential doubles the delay after every attempt up to the maximum.
	StrategyExponential Strategy = "exponential"
)

var errInvalidPolicy = errors.New("reconcile: invalid retry policy")

// RetryPolicy governs transient failures during reconciliation. MaxAttempts of
// zero retries without limit.
type RetryPolicy struct {
	Strategy    Strategy
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy backs off exponentially from two seconds to five minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy: StrategyExponential,
		Initial:  2 * time.Second,
		Max:      5 * time.Minute,
	}
}

// ParseStrategy validates raw input and returns a Strategy.
func ParseStrategy(rawInput string) (Strategy, error) {
	strategy := Strategy(strings.ToLower(strings.TrimSpace(rawInput)))
	switch strategy {
	case StrategyFixed, StrategyExponential:
		return strategy, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", errInvalidPolicy, rawInput)
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if _, err := ParseStrategy(string(p.Strategy)); err != nil {
		return err
	}
	if p.Initial < 0 {
		return fmt.Errorf("%w: initial delay cannot be negative", errInvalidPolicy)
	}
	if p.Max > 0 && p.Max < p.Initial {
		return fmt.Errorf("%w: max delay below initial delay", errInvalidPolicy)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts cannot be negative", errInvalidPolicy)
	}
	return nil
}

// Delay returns the wait before the next attempt after the given number of attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Initial
	if p.Strategy == StrategyExponential {
		for step := 1; step < attempts; step++ {
			if (p.Max > 0 && delay >= p.Max) || delay > math.MaxInt64/2 {
				break
			}
			delay *= 2
		}
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

// Exhausted reports whether no further attempt is allowed.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
