package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

// retryPolicy is one row of the retry table.
type retryPolicy struct {
	maxAttempts int // including the first attempt
	base        time.Duration
	cap         time.Duration
	exponential bool
	// flatJitter picks a uniform delay in [base, cap] instead of
	// exponential backoff (used for network errors).
	flatJitter bool
}

// policyTable maps an error class to its retry behavior. Classes absent from
// the table are never retried.
var policyTable = map[domain.ErrorClass]retryPolicy{
	domain.ErrorClassRateLimited: {
		maxAttempts: 3,
		base:        1000 * time.Millisecond,
		cap:         10000 * time.Millisecond,
		exponential: true,
	},
	domain.ErrorClassServer: {
		maxAttempts: 2,
		base:        500 * time.Millisecond,
		cap:         2000 * time.Millisecond,
		exponential: true,
	},
	domain.ErrorClassGatewayTimeout: {
		maxAttempts: 2,
		// Immediate retry: a 504 usually means the upstream gave up on a
		// request that may already have completed quickly on a second try.
	},
	domain.ErrorClassNetwork: {
		maxAttempts: 2,
		base:        100 * time.Millisecond,
		cap:         500 * time.Millisecond,
		flatJitter:  true,
	},
}

// Retrier applies bounded, jittered retry to idempotent remote calls,
// classifying each failure to pick the policy row. One instance is shared by
// all in-flight requests; the jitter source is mutex-guarded since rand.Rand
// is not safe for concurrent use.
type Retrier struct {
	classify func(error) domain.ErrorClass

	// sleep is swapped in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewRetrier creates a retrier using domain.Classify.
func NewRetrier() *Retrier {
	return &Retrier{
		classify: domain.Classify,
		sleep:    sleepCtx,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs op, retrying per the policy table. The last error is surfaced
// when attempts are exhausted. Backoff sleeps honor ctx cancellation.
func (r *Retrier) Execute(ctx context.Context, op Operation) (any, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		policy, retryable := policyTable[r.classify(err)]
		if !retryable || attempt >= policy.maxAttempts {
			return nil, lastErr
		}

		if delay := r.delayFor(policy, attempt); delay > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return nil, lastErr
			}
		}
	}
}

// delayFor computes the backoff before attempt+1. Exponential rows use
// base*2^(attempt-1) clamped to cap, then +/-25% uniform jitter.
func (r *Retrier) delayFor(policy retryPolicy, attempt int) time.Duration {
	if policy.flatJitter {
		span := policy.cap - policy.base
		r.randMu.Lock()
		n := r.rand.Int63n(int64(span) + 1)
		r.randMu.Unlock()
		return policy.base + time.Duration(n)
	}
	if !policy.exponential || policy.base == 0 {
		return 0
	}

	delay := policy.base << uint(attempt-1)
	if delay > policy.cap || delay <= 0 {
		delay = policy.cap
	}

	r.randMu.Lock()
	jitter := 0.75 + r.rand.Float64()*0.5
	r.randMu.Unlock()
	return time.Duration(float64(delay) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
