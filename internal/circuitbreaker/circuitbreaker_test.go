package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/dispatch"
)

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Second}, zap.NewNop())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("expected open after failure")
	}
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatal("expected closed after reset")
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(ctx context.Context, msg *dispatch.Outbound) error {
	s.calls++
	return s.err
}

func (s *stubSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}

func TestProtectedSender_FailsFastWhenOpen(t *testing.T) {
	underlying := &stubSender{err: errors.New("provider down")}
	breaker := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: time.Minute}, zap.NewNop())
	protected := NewProtectedSender(underlying, breaker, zap.NewNop())

	msg := &dispatch.Outbound{EntryID: "e1", Channel: db.ChannelEmail, To: "a@b.com"}

	for i := 0; i < 2; i++ {
		if err := protected.Send(context.Background(), msg); err == nil {
			t.Fatal("expected send failure")
		}
	}

	err := protected.Send(context.Background(), msg)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if underlying.calls != 2 {
		t.Errorf("open breaker must not call the sender, got %d calls", underlying.calls)
	}
}

func TestProtectedSender_RecordsSuccess(t *testing.T) {
	underlying := &stubSender{}
	breaker := New(DefaultConfig("test"), zap.NewNop())
	protected := NewProtectedSender(underlying, breaker, zap.NewNop())

	msg := &dispatch.Outbound{EntryID: "e1", Channel: db.ChannelEmail, To: "a@b.com"}
	if err := protected.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := breaker.Stats()
	if stats.TotalSuccesses != 1 {
		t.Errorf("expected 1 recorded success, got %d", stats.TotalSuccesses)
	}
}

func TestProtectedSender_DelegatesSupportsChannel(t *testing.T) {
	protected := NewProtectedSender(&stubSender{}, New(DefaultConfig("test"), zap.NewNop()), zap.NewNop())
	if !protected.SupportsChannel(db.ChannelEmail) {
		t.Error("expected email support delegated")
	}
	if protected.SupportsChannel(db.ChannelSMS) {
		t.Error("expected sms unsupported")
	}
}
