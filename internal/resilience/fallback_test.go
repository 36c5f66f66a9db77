package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newTestGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		fail       map[string]error
		wantCalled []string
		wantErr    error
	}{
		{
			name:       "primary succeeds",
			wantCalled: []string{"primary"},
		},
		{
			name:       "fails over to secondary",
			fail:       map[string]error{"primary": errTest},
			wantCalled: []string{"primary", "secondary"},
		},
		{
			name:       "all fail",
			fail:       map[string]error{"primary": errTest, "secondary": errTest},
			wantCalled: []string{"primary", "secondary"},
			wantErr:    ErrAllFailed,
		},
		{
			name:       "permanent error stops failover",
			fail:       map[string]error{"primary": Permanent(errTest)},
			wantCalled: []string{"primary"},
			wantErr:    errTest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newTestGroup(3)
			var called []string
			err := fg.Execute(func(v string) error {
				called = append(called, v)
				return tt.fail[v]
			})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if !slices.Equal(called, tt.wantCalled) {
				t.Fatalf("called = %v, want %v", called, tt.wantCalled)
			}
		})
	}
}

func TestFallbackGroup_AllFailWrapsLastError(t *testing.T) {
	t.Parallel()
	errLast := errors.New("secondary down")
	fg := newTestGroup(3)
	err := fg.Execute(func(v string) error {
		if v == "secondary" {
			return errLast
		}
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errLast) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the last error", err)
	}
}

func TestFallbackGroup_SkipsOpenProvider(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(2)

	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if got := fg.Breaker("primary").State(); got != StateOpen {
		t.Fatalf("primary breaker = %v, want open", got)
	}

	var called []string
	err := fg.Execute(func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(called, []string{"secondary"}) {
		t.Fatalf("called = %v, want only secondary", called)
	}
}

func TestFallbackGroup_PermanentDoesNotTrip(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(1)
	_ = fg.Execute(func(string) error { return Permanent(errTest) })
	if got := fg.Breaker("primary").State(); got != StateClosed {
		t.Fatalf("primary breaker = %v, want closed", got)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(1)
	if got := fg.Names(); !slices.Equal(got, []string{"primary", "secondary"}) {
		t.Fatalf("Names() = %v", got)
	}
	if fg.Breaker("missing") != nil {
		t.Fatal("Breaker(missing) should be nil")
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(3)
	got, err := ExecuteWithResult(fg, func(v string) (int, error) {
		if v == "primary" {
			return 0, errTest
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}

	_, err = ExecuteWithResult(fg, func(string) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestPermanent_Nil(t *testing.T) {
	t.Parallel()
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	if IsPermanent(errTest) {
		t.Fatal("plain error reported permanent")
	}
}

func TestFallbackGroup_Available(t *testing.T) {
	t.Parallel()
	fg := newTestGroup(1)
	if err := fg.Available(context.Background()); err != nil {
		t.Fatalf("fresh group: %v", err)
	}

	_ = fg.Execute(func(string) error { return errTest })
	if got := fg.Breaker("secondary").State(); got != StateOpen {
		t.Fatalf("secondary breaker = %v, want open", got)
	}
	if err := fg.Available(context.Background()); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("Available() = %v, want ErrAllFailed", err)
	}

	fg.Breaker("primary").Reset()
	if err := fg.Available(context.Background()); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}
