package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"
)

func TestStatusIsMember(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusOwner, true},
		{StatusAdministrator, true},
		{StatusMember, true},
		{StatusRestricted, false},
		{StatusLeft, false},
		{StatusBanned, false},
		{StatusUnknown, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsMember(); got != tt.want {
			t.Fatalf("%s.IsMember() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClassifyFlood(t *testing.T) {
	t.Parallel()
	// The library hands back the flood error by value; classify must still
	// surface the mandated wait instead of a transient bucket.
	err := classify(tele.FloodError{RetryAfter: 42})
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != 42*time.Second {
		t.Fatalf("RetryAfter = %v, want 42s", rl.RetryAfter)
	}
	if ErrorKind(err) != KindRateLimited {
		t.Fatalf("ErrorKind = %q, want %q", ErrorKind(err), KindRateLimited)
	}
}

func TestClassifyUnauthorized(t *testing.T) {
	t.Parallel()
	err := classify(tele.ErrUnauthorized)
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if ErrorKind(err) != KindInvalidCredential {
		t.Fatalf("ErrorKind = %q, want %q", ErrorKind(err), KindInvalidCredential)
	}
}

func TestErrorKindBuckets(t *testing.T) {
	t.Parallel()
	if got := ErrorKind(nil); got != KindNone {
		t.Fatalf("ErrorKind(nil) = %q", got)
	}
	if got := ErrorKind(errors.New("dial tcp: timeout")); got != KindTransient {
		t.Fatalf("ErrorKind(network) = %q, want transient", got)
	}
	if got := ErrorKind(context.Canceled); got != KindCanceled {
		t.Fatalf("ErrorKind(canceled) = %q, want canceled", got)
	}
}
