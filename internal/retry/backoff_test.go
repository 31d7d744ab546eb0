package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	b := &Backoff{Min: 100 * time.Millisecond, Max: 500 * time.Millisecond}
	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Errorf("step %d: got %v, want %v", i, got, w*time.Millisecond)
		}
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("after reset got %v", got)
	}
}

func TestBackoffJitterStaysBelowDelay(t *testing.T) {
	t.Parallel()

	b := &Backoff{Min: 100 * time.Millisecond, Max: 400 * time.Millisecond, Jitter: 0.5}
	want := []time.Duration{100, 200, 400, 400}
	for i, w := range want {
		full := w * time.Millisecond
		got := b.Next()
		if got > full || got < full/2 {
			t.Errorf("step %d: got %v, want within [%v, %v]", i, got, full/2, full)
		}
	}

	varied := false
	first := (&Backoff{Min: time.Second, Max: time.Second, Jitter: 1}).Next()
	for i := 0; i < 20 && !varied; i++ {
		varied = (&Backoff{Min: time.Second, Max: time.Second, Jitter: 1}).Next() != first
	}
	if !varied {
		t.Error("expected jittered delays to vary")
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	transient := errors.New("transient")
	err := Do(context.Background(), &Backoff{Min: time.Millisecond, Max: time.Millisecond}, 5,
		func(err error) bool { return errors.Is(err, transient) },
		func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	permanent := errors.New("permanent")
	err := Do(context.Background(), &Backoff{Min: time.Millisecond, Max: time.Millisecond}, 5,
		func(error) bool { return false },
		func(context.Context) error {
			calls++
			return permanent
		})

	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("err=%v calls=%d, want permanent after 1 call", err, calls)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &Backoff{Min: time.Hour, Max: time.Hour}
	if b.Sleep(ctx) {
		t.Error("Sleep should return false for a cancelled context")
	}
}
