package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"omniagent/internal/observability"
)

func newTestSender() *Sender {
	gate := NewSendGate(SendGateConfig{SlotStep: time.Millisecond}, nil, nil)
	return NewSender(gate, SenderConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
	}, nil)
}

func TestSenderSucceedsFirstTry(t *testing.T) {
	s := newTestSender()
	calls := 0
	err := s.Do(context.Background(), "sendMessage", "text", func(ctx context.Context, plain bool) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestSenderRetriesTransientErrors(t *testing.T) {
	s := newTestSender()
	calls := 0
	err := s.Do(context.Background(), "sendMessage", "text", func(ctx context.Context, plain bool) error {
		calls++
		if calls < 3 {
			return ErrConnection("flaky", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestSenderStopsOnPermanentError(t *testing.T) {
	s := newTestSender()
	calls := 0
	wantErr := ErrInvalidInput("bad chat id", nil)
	err := s.Do(context.Background(), "sendMessage", "text", func(ctx context.Context, plain bool) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}

func TestSenderPlainTextFallbackOnParseError(t *testing.T) {
	s := newTestSender()
	var modes []bool
	err := s.Do(context.Background(), "sendMessage", "text", func(ctx context.Context, plain bool) error {
		modes = append(modes, plain)
		if !plain {
			return NewError(ErrCodeParse, "can't parse entities", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(modes) != 2 || modes[0] || !modes[1] {
		t.Fatalf("modes = %v, want [false true]", modes)
	}
}

func TestSenderRateLimitFeedsGate(t *testing.T) {
	gate := NewSendGate(SendGateConfig{SlotStep: time.Millisecond}, nil, nil)
	s := NewSender(gate, SenderConfig{MaxAttempts: 1, BaseBackoff: time.Millisecond}, nil)

	_ = s.Do(context.Background(), "sendMessage", "text", func(ctx context.Context, plain bool) error {
		return ErrRateLimited("too many requests", 5*time.Second, nil)
	})
	if gate.Deadline().IsZero() {
		t.Fatal("rate limit error did not extend the gate")
	}
}

func TestSenderRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWithRegistry(reg)
	gate := NewSendGate(SendGateConfig{SlotStep: time.Millisecond}, nil, nil)
	s := NewSender(gate, SenderConfig{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		Metrics:     metrics,
	}, nil)

	calls := 0
	err := s.Do(context.Background(), "sendMessage", "text", func(ctx context.Context, plain bool) error {
		calls++
		if calls == 1 {
			return ErrRateLimited("too many requests", time.Millisecond, nil)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]float64{}
	var gateSamples uint64
	for _, fam := range families {
		switch fam.GetName() {
		case "omniagent_outbound_sends_total":
			for _, m := range fam.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "status" {
						counts[lp.GetValue()] = m.GetCounter().GetValue()
					}
				}
			}
		case "omniagent_send_gate_wait_seconds":
			for _, m := range fam.GetMetric() {
				gateSamples += m.GetHistogram().GetSampleCount()
			}
		}
	}
	if counts["rate_limited"] != 1 || counts["success"] != 1 {
		t.Fatalf("send counts = %v, want one rate_limited and one success", counts)
	}
	if gateSamples != 2 {
		t.Fatalf("gate wait samples = %d, want one per attempt", gateSamples)
	}
}

func TestSenderMediaGroupFallsBackToSingles(t *testing.T) {
	s := newTestSender()
	media := []MediaItem{
		{Kind: MediaImage, URL: "https://example.com/a.png"},
		{Kind: MediaImage, URL: "https://example.com/b.png"},
	}

	groupCalls := 0
	var captions []string
	err := s.SendMediaGroup(context.Background(), "sendMediaGroup", media, "album caption",
		func(ctx context.Context) error {
			groupCalls++
			return ErrConnection("group send refused", nil)
		},
		func(ctx context.Context, item MediaItem, caption string) error {
			captions = append(captions, caption)
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if groupCalls != 3 {
		t.Fatalf("group attempts = %d, want 3", groupCalls)
	}
	if len(captions) != 2 || captions[0] != "album caption" || captions[1] != "" {
		t.Fatalf("captions = %v", captions)
	}
}
