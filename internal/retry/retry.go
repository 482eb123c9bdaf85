// Package retry expresses retry behaviour as composable policies over
// (attempt, elapsed, error) rather than hand-written loops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"syscall"
	"time"
)

// Attempt describes a failed call.
type Attempt struct {
	// N is the 1-based number of the attempt that just failed.
	N int
	// Elapsed is the time since the first attempt started.
	Elapsed time.Duration
	Err     error
}

// Decision is the verdict of a Policy: give up, or sleep and try again.
type Decision struct {
	GiveUp bool
	Sleep  time.Duration
}

// Policy decides what happens after a failed attempt.
type Policy func(Attempt) Decision

// Stop is the give-up decision.
func Stop() Decision { return Decision{GiveUp: true} }

// After is the sleep-then-retry decision.
func After(d time.Duration) Decision { return Decision{Sleep: d} }

// All gives up as soon as any member does; otherwise it sleeps for the longest requested interval.
func All(policies ...Policy) Policy {
	return func(a Attempt) Decision {
		var out Decision
		for _, p := range policies {
			d := p(a)
			if d.GiveUp {
				return Stop()
			}
			if d.Sleep > out.Sleep {
				out.Sleep = d.Sleep
			}
		}
		return out
	}
}

// MaxAttempts gives up once n attempts have failed.
func MaxAttempts(n int) Policy {
	return func(a Attempt) Decision {
		if a.N >= n {
			return Stop()
		}
		return Decision{}
	}
}

// MaxElapsed gives up once d has passed since the first attempt.
func MaxElapsed(d time.Duration) Policy {
	return func(a Attempt) Decision {
		if a.Elapsed >= d {
			return Stop()
		}
		return Decision{}
	}
}

// Only retries errors accepted by pred and gives up on everything else.
func Only(pred func(error) bool) Policy {
	return func(a Attempt) Decision {
		if a.Err == nil || !pred(a.Err) {
			return Stop()
		}
		return Decision{}
	}
}

// Exponential sleeps base·factor^(n-1), capped at maxDelay, with up to half of the interval as jitter.
func Exponential(base, maxDelay time.Duration, factor float64) Policy {
	return func(a Attempt) Decision {
		return After(ExponentialInterval(a.N, base, maxDelay, factor, true))
	}
}

// ExponentialInterval returns the backoff interval after the nth failure.
func ExponentialInterval(n int, base, maxDelay time.Duration, factor float64, jitter bool) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(base) * math.Pow(factor, float64(n-1))
	if delay > float64(maxDelay) || math.IsInf(delay, 0) {
		delay = float64(maxDelay)
	}
	if !jitter || delay < 2 {
		return time.Duration(delay)
	}
	half := delay / 2
	return time.Duration(half + rand.Float64()*half) //nolint:gosec // jitter does not need crypto randomness
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable regardless of policy.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, the policy gives up, or ctx ends.
func Do(ctx context.Context, policy Policy, fn func(context.Context) error) error {
	start := time.Now()
	for n := 1; ; n++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w (last error: %v)", ctxErr, err)
		}
		d := policy(Attempt{N: n, Elapsed: time.Since(start), Err: err})
		if d.GiveUp {
			if n == 1 {
				return err
			}
			return fmt.Errorf("gave up after %d attempts: %w", n, err)
		}
		if d.Sleep <= 0 {
			continue
		}
		timer := time.NewTimer(d.Sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// IsNetworkError reports transport-level failures worth retrying.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
