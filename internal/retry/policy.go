// Package retry implements the keeper's decorrelated-jitter backoff,
// isolated as a pure function over (previousSleep, base, cap, seed) so it
// can be tested deterministically. The surrounding Policy carries the
// per-call-site parameters: maxTotalTime, maxAttempts, maxSleep and
// baseSleep.
package retry

import (
	"math/rand"
	"time"
)

// Policy bounds one retry loop. maxAttempts == 0 means no retry at all;
// a negative maxAttempts means unbounded attempts (only maxTotalTime
// bounds the loop).
type Policy struct {
	Name        string
	MaxTotalTime time.Duration
	MaxAttempts  int
	MaxSleep     time.Duration
	BaseSleep    time.Duration

	rnd *rand.Rand
}

// NewPolicy seeds a Policy's jitter source once, so repeated Sleep calls
// within one retry loop draw from a single deterministic sequence.
func NewPolicy(name string, maxTotalTime time.Duration, maxAttempts int, baseSleep, maxSleep time.Duration) *Policy {
	return &Policy{
		Name:         name,
		MaxTotalTime: maxTotalTime,
		MaxAttempts:  maxAttempts,
		MaxSleep:     maxSleep,
		BaseSleep:    baseSleep,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Named policies.
func MainLoop() *Policy {
	return NewPolicy("main-loop", 0, 0, 0, 0)
}

func Interactive(connectTimeout time.Duration) *Policy {
	return NewPolicy("interactive", connectTimeout, -1, 200*time.Millisecond, connectTimeout)
}

func MonitorInteractive() *Policy {
	return NewPolicy("monitor-interactive", 15*time.Minute, -1, 1*time.Second, 5*time.Second)
}

func Init() *Policy {
	return NewPolicy("init", 15*time.Minute, -1, 500*time.Millisecond, 2*time.Second)
}

// NextSleep computes the next decorrelated-jitter sleep duration given the
// previous one. It is a pure function: same inputs, same rng state
// transition, same output, which is what makes Policy.Sleep testable by
// injecting a fixed-seed rng in tests.
//
//	sleep <- min(maxSleep, uniform(base, previousSleep * 3))
func NextSleep(rnd *rand.Rand, previous, base, cap time.Duration) time.Duration {
	if cap <= 0 {
		return 0
	}
	hi := previous * 3
	if hi < base {
		hi = base
	}
	if hi > cap {
		hi = cap
	}
	span := hi - base
	var d time.Duration
	if span <= 0 {
		d = base
	} else {
		d = base + time.Duration(rnd.Int63n(int64(span)+1))
	}
	if d > cap {
		d = cap
	}
	return d
}

// attempt tracks progress through one call to Run.
type attempt struct {
	start     time.Time
	tries     int
	lastSleep time.Duration
}

// StopSignal reports whether the loop must abort before its next attempt
// or sleep, regardless of time/attempt budget remaining.
type StopSignal func() bool

// expired reports whether the policy has exhausted its budget: elapsed
// time, attempt count, or an external stop signal.
func (p *Policy) expired(a *attempt, stop StopSignal) bool {
	if stop != nil && stop() {
		return true
	}
	if p.MaxTotalTime > 0 && time.Since(a.start) >= p.MaxTotalTime {
		return true
	}
	if p.MaxAttempts > 0 && a.tries >= p.MaxAttempts {
		return true
	}
	return false
}

// Retryable classifies a failure from one attempt: retryable failures
// keep the loop going (subject to policy expiry); anything else, or a
// nil error, ends the loop immediately.
type Retryable func(error) bool

// Run executes fn, retrying on retryable errors per the policy until
// success, a non-retryable error, or policy expiry (time, attempts, or an
// external stop signal). It sleeps between attempts using NextSleep,
// bounded by MaxSleep. A Policy with MaxAttempts == 0 calls fn exactly
// once and returns its result unconditionally.
func (p *Policy) Run(isRetryable Retryable, stop StopSignal, fn func() error) error {
	if p.MaxAttempts == 0 {
		return fn()
	}

	a := &attempt{start: time.Now()}
	for {
		a.tries++
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if p.expired(a, stop) {
			return err
		}
		sleep := NextSleep(p.rnd, a.lastSleep, p.BaseSleep, p.MaxSleep)
		a.lastSleep = sleep
		if sleep > 0 {
			time.Sleep(sleep)
		}
		if p.expired(a, stop) {
			return err
		}
	}
}
