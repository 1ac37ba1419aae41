package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) {
			return 0, NewTransientError(errors.New("fail"), 503)
		})
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker("structured_table", BreakerConfig{Threshold: 3, Cooldown: time.Minute})

	failN(b, 2)
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed after 2 failures, got %s", b.State())
	}
	failN(b, 1)
	if b.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	_, err := Call(context.Background(), b, func(_ context.Context) (int, error) {
		t.Error("fn must not run while open")
		return 0, nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("open breaker error should be transient")
	}
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var changes []string
	b := NewBreaker("agent_push", BreakerConfig{
		Threshold: 1,
		Cooldown:  time.Minute,
		OnChange: func(name string, from, to BreakerState) {
			changes = append(changes, name+":"+from.String()+">"+to.String())
		},
	})
	b.nowFunc = func() time.Time { return now }

	failN(b, 1)
	now = now.Add(2 * time.Minute)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	v, err := Call(context.Background(), b, func(_ context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("trial call failed: %v %d", err, v)
	}
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after successful trial call, got %s", b.State())
	}

	want := []string{"agent_push:closed>open", "agent_push:open>half-open", "agent_push:half-open>closed"}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %s, want %s", i, changes[i], want[i])
		}
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker("x", BreakerConfig{Threshold: 2, Cooldown: time.Minute})
	b.nowFunc = func() time.Time { return now }

	failN(b, 2)
	now = now.Add(time.Minute)
	failN(b, 1)
	if b.State() != BreakerOpen {
		t.Errorf("expected open after failed trial call, got %s", b.State())
	}
}

func TestBreaker_InputErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("x", BreakerConfig{Threshold: 1})
	_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) {
		return 0, Inputf("qty", "negative")
	})
	if b.State() != BreakerClosed || b.Failures() != 0 {
		t.Errorf("input error should not count, state=%s failures=%d", b.State(), b.Failures())
	}
}

func TestBreaker_MissesAndUnknownErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("structured_table", BreakerConfig{Threshold: 1})
	for _, err := range []error{NotFoundf("no row for %s", "c1"), errors.New("bad tier")} {
		_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) { return 0, err })
	}
	if b.State() != BreakerClosed || b.Failures() != 0 {
		t.Errorf("misses should not count, state=%s failures=%d", b.State(), b.Failures())
	}

	_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) {
		return 0, NewSystemicError("notion", errors.New("refused"))
	})
	if b.State() != BreakerOpen {
		t.Errorf("systemic error should trip, got %s", b.State())
	}
}

func TestBreaker_CustomShouldTrip(t *testing.T) {
	b := NewBreaker("x", BreakerConfig{Threshold: 1, ShouldTrip: func(error) bool { return true }})
	_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) { return 0, errors.New("any") })
	if b.State() != BreakerOpen {
		t.Errorf("expected open, got %s", b.State())
	}
}

func TestBreakerSet(t *testing.T) {
	s := NewBreakerSet(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	if s.For("a") != s.For("a") {
		t.Error("expected the same breaker for the same name")
	}
	failN(s.For("b"), 1)

	states := s.States()
	if states["a"] != BreakerClosed || states["b"] != BreakerOpen {
		t.Errorf("unexpected states %v", states)
	}
}
