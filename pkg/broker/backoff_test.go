package broker

import (
	"context"
	"errors"
	"testing"

	"apex-engine/pkg/apexerr"
)

func TestRetryTransientReturnsNilOnSuccess(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("calls=%d err=%v, expected one successful attempt", calls, err)
	}
}

func TestRetryTransientDoesNotRetryBusinessErrors(t *testing.T) {
	calls := 0
	want := apexerr.Msg(apexerr.CodeMinNotional, "below minimum")
	err := RetryTransient(context.Background(), func() error {
		calls++
		return want
	})
	if calls != 1 {
		t.Fatalf("calls=%d, BUSINESS errors must not be retried", calls)
	}
	if !errors.Is(err, want) && err != want {
		t.Fatalf("err=%v, expected the original error back", err)
	}
}

func TestRetryTransientStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryTransient(ctx, func() error {
		calls++
		return apexerr.Msg(apexerr.CodeNetwork, "connection reset")
	})
	if calls != 1 {
		t.Fatalf("calls=%d, expected exactly one attempt before the canceled context stops the backoff", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, expected context.Canceled", err)
	}
}

func TestRetryTransientRetriesTransient(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), func() error {
		calls++
		if calls < 2 {
			return apexerr.Msg(apexerr.CodeRateLimit, "throttled")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err=%v, expected eventual success", err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d, expected a retry after the transient failure", calls)
	}
}
