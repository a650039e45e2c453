package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTemporary = errors.New("temporary error")

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func alwaysRetry(error) bool { return true }

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", p.MaxAttempts)
	}
	if p.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", p.InitialBackoff)
	}
	if p.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", p.MaxBackoff)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", p.Multiplier)
	}
}

func TestPolicy_Do(t *testing.T) {
	tests := []struct {
		name         string
		maxAttempts  int
		failures     int
		retryable    func(error) bool
		wantAttempts int
		wantErr      error
	}{
		{
			name:         "succeeds immediately",
			maxAttempts:  3,
			failures:     0,
			retryable:    alwaysRetry,
			wantAttempts: 1,
		},
		{
			name:         "succeeds after retries",
			maxAttempts:  3,
			failures:     2,
			retryable:    alwaysRetry,
			wantAttempts: 3,
		},
		{
			name:         "exhausted",
			maxAttempts:  3,
			failures:     10,
			retryable:    alwaysRetry,
			wantAttempts: 3,
			wantErr:      ErrRetryExhausted,
		},
		{
			name:         "permanent error is not retried",
			maxAttempts:  5,
			failures:     10,
			retryable:    func(error) bool { return false },
			wantAttempts: 1,
			wantErr:      errTemporary,
		},
		{
			name:         "single attempt",
			maxAttempts:  1,
			failures:     10,
			retryable:    alwaysRetry,
			wantAttempts: 1,
			wantErr:      ErrRetryExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			attempts, err := fastPolicy(tt.maxAttempts).Do(context.Background(), "test", tt.retryable, func(attempt int) error {
				calls++
				if attempt != calls {
					t.Errorf("attempt = %d, want %d", attempt, calls)
				}
				if calls <= tt.failures {
					return errTemporary
				}
				return nil
			})

			if attempts != tt.wantAttempts || calls != tt.wantAttempts {
				t.Errorf("attempts = %d (calls %d), want %d", attempts, calls, tt.wantAttempts)
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_Do_ExhaustionKeepsLastError(t *testing.T) {
	_, err := fastPolicy(2).Do(context.Background(), "test", alwaysRetry, func(int) error {
		return errTemporary
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error %v does not wrap ErrRetryExhausted", err)
	}
	if !errors.Is(err, errTemporary) {
		t.Errorf("error %v does not wrap the last attempt's error", err)
	}
}

func TestPolicy_Do_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := Policy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := p.Do(ctx, "test", alwaysRetry, func(int) error {
			calls++
			return errTemporary
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
		if errors.Is(err, ErrRetryExhausted) {
			t.Error("cancellation must not be reported as exhaustion")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
