package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	transient := errors.New("gateway timeout")

	tests := []struct {
		name      string
		attempts  int
		failFirst int // calls that fail before success; -1 fails forever
		wantCalls int
		wantErr   error
	}{
		{"first try", 3, 0, 1, nil},
		{"succeeds on third", 3, 2, 3, nil},
		{"exhausted", 3, -1, 3, transient},
		{"zero attempts runs once", 0, 0, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tt.attempts, time.Millisecond, func() error {
				calls++
				if tt.failFirst < 0 || calls <= tt.failFirst {
					return transient
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestDo_PermanentStopsAndUnwraps(t *testing.T) {
	refused := errors.New("410 gone")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(refused)
	})
	if err != refused {
		t.Fatalf("expected the unwrapped error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent failure retried: %d calls", calls)
	}
}

func TestDo_ContextCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	var calls atomic.Int32
	err := Do(ctx, 10, 200*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c := calls.Load(); c > 2 {
		t.Fatalf("expected at most 2 calls, got %d", c)
	}
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	_ = Do(context.Background(), 3, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		return errors.New("fail")
	})
	if len(stamps) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(stamps))
	}
	// 20ms then 40ms, each ±25%
	if gap := stamps[1].Sub(stamps[0]); gap < 14*time.Millisecond {
		t.Errorf("first gap too short: %v", gap)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 28*time.Millisecond {
		t.Errorf("second gap too short: %v", gap)
	}
}

func TestPermanent_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(Permanent(inner), inner) {
		t.Fatal("Permanent error should unwrap to inner error")
	}
}
