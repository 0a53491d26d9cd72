package retry

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestNextSleepBoundedByCap(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	base := 10 * time.Millisecond
	cap := 100 * time.Millisecond
	prev := time.Duration(0)
	for i := 0; i < 200; i++ {
		prev = NextSleep(rnd, prev, base, cap)
		if prev > cap {
			t.Fatalf("sleep %v exceeded cap %v", prev, cap)
		}
		if prev < base {
			t.Fatalf("sleep %v under base %v", prev, base)
		}
	}
}

func TestNextSleepZeroCapMeansNoSleep(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	if d := NextSleep(rnd, 0, 0, 0); d != 0 {
		t.Errorf("expected 0 sleep with zero cap, got %v", d)
	}
}

func TestRunNoRetryPolicyCallsOnce(t *testing.T) {
	p := MainLoop()
	calls := 0
	err := p.Run(func(error) bool { return true }, nil, func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for main-loop policy, got %d", calls)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	p := NewPolicy("test", time.Minute, -1, time.Millisecond, 2*time.Millisecond)
	calls := 0
	err := p.Run(func(error) bool { return true }, nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRunStopsOnNonRetryable(t *testing.T) {
	p := NewPolicy("test", time.Minute, -1, time.Millisecond, 2*time.Millisecond)
	calls := 0
	err := p.Run(func(error) bool { return false }, nil, func() error {
		calls++
		return errors.New("fatal")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call when error is non-retryable, got %d", calls)
	}
}

func TestRunHonorsMaxAttempts(t *testing.T) {
	p := NewPolicy("test", time.Minute, 3, time.Millisecond, time.Millisecond)
	calls := 0
	err := p.Run(func(error) bool { return true }, nil, func() error {
		calls++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRunHonorsStopSignal(t *testing.T) {
	p := NewPolicy("test", time.Minute, -1, time.Millisecond, time.Millisecond)
	calls := 0
	err := p.Run(func(error) bool { return true }, func() bool { return calls >= 2 }, func() error {
		calls++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("expected stop signal to cut the loop at 2 attempts, got %d", calls)
	}
}
