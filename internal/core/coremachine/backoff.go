package coremachine

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy governs how many times a transient task failure is retried
// and the exponential backoff applied between attempts, mirroring the
// engine the rest of this package generalizes away from.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	JitterFrac  float64
}

func (r RetryPolicy) normalize() RetryPolicy {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.MinBackoff <= 0 {
		r.MinBackoff = 1 * time.Second
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 30 * time.Second
	}
	if r.JitterFrac <= 0 {
		r.JitterFrac = 0.20
	}
	return r
}

// shouldRetry reports whether attemptCount has remaining retry budget under
// r. It does not consider the error's classification — that's decided by
// the caller via core.ErrorKind.Retryable before shouldRetry is consulted.
func shouldRetry(r RetryPolicy, attemptCount int) bool {
	r = r.normalize()
	return attemptCount < r.MaxAttempts
}

// computeBackoff returns an exponential delay for attemptCount, capped at
// MaxBackoff and jittered by ±JitterFrac so a burst of simultaneously-failed
// siblings doesn't retry in lockstep.
func computeBackoff(r RetryPolicy, attemptCount int) time.Duration {
	r = r.normalize()
	if attemptCount < 1 {
		attemptCount = 1
	}
	d := time.Duration(float64(r.MinBackoff) * math.Pow(2, float64(attemptCount-1)))
	if d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	delta := float64(d) * r.JitterFrac
	jittered := float64(d) + (rand.Float64()*2-1)*delta
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}
