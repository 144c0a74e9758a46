package channels

import (
	"context"
	"testing"
	"time"
)

func TestSendGateWaitNoDeadline(t *testing.T) {
	gate := NewSendGate(SendGateConfig{SlotStep: time.Millisecond}, nil, nil)
	start := time.Now()
	if err := gate.Wait(context.Background(), "sendMessage", "text"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("idle gate waited %v", elapsed)
	}
}

func TestSendGateDeadlineIsMonotonic(t *testing.T) {
	gate := NewSendGate(SendGateConfig{}, nil, nil)

	gate.UpdateFromError(context.Background(), "sendMessage", "text", 10*time.Second)
	first := gate.Deadline()

	// A shorter delay must not pull the deadline back.
	gate.UpdateFromError(context.Background(), "sendMessage", "text", time.Second)
	if gate.Deadline().Before(first) {
		t.Fatal("deadline shortened by smaller delay")
	}

	gate.UpdateFromError(context.Background(), "sendMessage", "text", 30*time.Second)
	if !gate.Deadline().After(first) {
		t.Fatal("deadline not extended by larger delay")
	}
}

func TestSendGateZeroDelayIgnored(t *testing.T) {
	gate := NewSendGate(SendGateConfig{}, nil, nil)
	gate.UpdateFromError(context.Background(), "sendMessage", "text", 0)
	if !gate.Deadline().IsZero() {
		t.Fatal("zero delay should not set a deadline")
	}
}

func TestSendGateWaitHonorsContext(t *testing.T) {
	gate := NewSendGate(SendGateConfig{}, nil, nil)
	gate.UpdateFromError(context.Background(), "sendMessage", "text", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := gate.Wait(ctx, "sendMessage", "text")
	if err == nil {
		t.Fatal("expected context error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("wait did not honor cancellation, took %v", elapsed)
	}
}
