package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	if res.Err != nil || res.Attempts != 1 || calls != 1 {
		t.Fatalf("res=%+v calls=%d", res, calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if res.Err != nil {
		t.Fatalf("err = %v", res.Err)
	}
	if res.Attempts != 3 || calls != 3 {
		t.Fatalf("attempts=%d calls=%d, want 3", res.Attempts, calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("always fails")
	res := Do(context.Background(), fastConfig(3), func() error { return sentinel })
	if !errors.Is(res.Err, sentinel) {
		t.Fatalf("err = %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("bad request")
	calls := 0
	res := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return Permanent(sentinel)
	})
	if calls != 1 || res.Attempts != 1 {
		t.Fatalf("permanent error was retried: calls=%d", calls)
	}
	if !errors.Is(res.Err, sentinel) {
		t.Fatalf("err = %v, want wrapped sentinel", res.Err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Do(ctx, fastConfig(3), func() error {
		t.Fatal("op ran with canceled context")
		return nil
	})
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	value, res := DoWithValue(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "done", nil
	})
	if res.Err != nil || value != "done" {
		t.Fatalf("value=%q err=%v", value, res.Err)
	}
}

func TestIsPermanent(t *testing.T) {
	base := errors.New("x")
	if IsPermanent(base) {
		t.Error("plain error reported permanent")
	}
	if !IsPermanent(Permanent(base)) {
		t.Error("wrapped error not reported permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{20, 10 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, 100*time.Millisecond, 10*time.Second, 2); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
