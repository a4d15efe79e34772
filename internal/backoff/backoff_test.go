package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "", want: Exponential},
		{in: "exponential", want: Exponential},
		{in: " Jittered ", want: Jittered},
		{in: "decorrelated", want: Decorrelated},
		{in: "fibonacci", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestExponential_Next(t *testing.T) {
	s := New(Exponential, 10*time.Millisecond, time.Second, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: -1, want: 0},
		{attempt: 0, want: 10 * time.Millisecond},
		{attempt: 1, want: 20 * time.Millisecond},
		{attempt: 3, want: 80 * time.Millisecond},
		{attempt: 20, want: time.Second},
		{attempt: 100, want: time.Second},
	}

	for _, tt := range tests {
		if got := s.Next(tt.attempt); got != tt.want {
			t.Errorf("Next(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJittered_Bounds(t *testing.T) {
	s := New(Jittered, 100*time.Millisecond, 10*time.Second, 0.2)

	for i := 0; i < 100; i++ {
		d := s.Next(1)
		if d < 160*time.Millisecond || d > 240*time.Millisecond {
			t.Fatalf("Next(1) = %v, want within 20%% of 200ms", d)
		}
	}
}

func TestDecorrelated_Bounds(t *testing.T) {
	s := New(Decorrelated, 100*time.Millisecond, 2*time.Second, 0)

	if d := s.Next(0); d != 100*time.Millisecond {
		t.Fatalf("first delay = %v, want initial", d)
	}
	for attempt := 1; attempt < 50; attempt++ {
		d := s.Next(attempt)
		if d < 100*time.Millisecond || d > 2*time.Second {
			t.Fatalf("Next(%d) = %v, out of [initial, max]", attempt, d)
		}
	}

	s.Reset()
	if d := s.Next(1); d > 300*time.Millisecond {
		t.Errorf("after reset Next(1) = %v, want <= 3x initial", d)
	}
}

func TestNew_MaxBelowInitial(t *testing.T) {
	s := New(Exponential, time.Second, time.Millisecond, 0)
	if got := s.Next(5); got != time.Second {
		t.Errorf("Next(5) = %v, want max raised to initial (1s)", got)
	}
}

func TestRetry(t *testing.T) {
	fast := New(Exponential, time.Millisecond, 5*time.Millisecond, 0)

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, time.Second, func(attempt int) error {
			calls++
			if attempt < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 4 {
			t.Errorf("calls = %d, want 4", calls)
		}
	})

	t.Run("gives up at budget", func(t *testing.T) {
		sentinel := errors.New("refused")
		err := Retry(context.Background(), fast, 20*time.Millisecond, func(int) error {
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Errorf("expected wrapped sentinel, got %v", err)
		}
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := New(Exponential, time.Hour, time.Hour, 0)
		err := Retry(ctx, slow, 0, func(int) error { return errors.New("down") })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestAttempts_StopsAtDeadline(t *testing.T) {
	a := &attempts{s: New(Exponential, 100*time.Millisecond, time.Second, 0), deadline: time.Now().Add(150 * time.Millisecond)}

	if got := a.NextBackOff(); got != 100*time.Millisecond {
		t.Errorf("first delay = %v, want 100ms", got)
	}
	if got := a.NextBackOff(); got != cenkalti.Stop {
		t.Errorf("second delay = %v, want Stop past the deadline", got)
	}

	a.Reset()
	a.deadline = time.Time{}
	if got := a.NextBackOff(); got != 100*time.Millisecond {
		t.Errorf("delay after Reset = %v, want 100ms", got)
	}
}
