package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBroker = errors.New("broker unavailable")

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("bundle-publish")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(_ string, _, to State) { transitions = append(transitions, to) }

	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}

	fail := func(ctx context.Context) error { return errBroker }
	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), fail); !errors.Is(err, errBroker) {
			t.Fatalf("call %d: expected broker error, got %v", i, err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("expected open breaker, got %s", cb.GetState())
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("unexpected transitions %v", transitions)
	}

	called := false
	err = cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("open breaker must not run the call")
	}
}

func TestCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	cfg := DefaultConfig("bundle-publish")
	cfg.FailureThreshold = 1

	cb, _ := New(cfg, nil)
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return context.Canceled })

	if cb.GetState() != StateClosed {
		t.Errorf("expected closed breaker, got %s", cb.GetState())
	}
}

func TestState_Level(t *testing.T) {
	if StateClosed.Level() != 0 || StateHalfOpen.Level() != 1 || StateOpen.Level() != 2 {
		t.Error("unexpected state levels")
	}
}
