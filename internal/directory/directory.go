package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the platform's view of a user's standing in a channel.
type Status string

const (
	StatusOwner         Status = "creator"
	StatusAdministrator Status = "administrator"
	StatusMember        Status = "member"
	StatusRestricted    Status = "restricted"
	StatusLeft          Status = "left"
	StatusBanned        Status = "kicked"
	StatusUnknown       Status = "unknown"
)

// IsMember reports whether the status counts as channel membership.
// Anything else (restricted, left, banned, unknown) does not.
func (s Status) IsMember() bool {
	switch s {
	case StatusOwner, StatusAdministrator, StatusMember:
		return true
	}
	return false
}

// ErrInvalidCredential means the platform rejected the tenant's credential.
// Terminal for the owning tenant: its worker must be deactivated, there is no
// point retrying.
var ErrInvalidCredential = errors.New("directory: credential rejected")

// RateLimitedError carries the platform-mandated wait. Callers must sleep
// RetryAfter exactly, not an invented backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("directory: rate limited, retry after %s", e.RetryAfter)
}

// Error kinds for outcome records and enforcement results.
const (
	KindNone              = ""
	KindRateLimited       = "rate_limited"
	KindInvalidCredential = "invalid_credential"
	KindTransient         = "transient"
	KindCanceled          = "canceled"
)

// ErrorKind maps an error to its taxonomy bucket.
func ErrorKind(err error) string {
	if err == nil {
		return KindNone
	}
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		return KindRateLimited
	case errors.Is(err, ErrInvalidCredential):
		return KindInvalidCredential
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindTransient
	}
}

// Client wraps the platform's membership-lookup and mutation calls.
//
// It performs no retries of its own: retry policy belongs to the call sites so
// each can apply context-appropriate backoff caps. Every call records an
// outcome event to the analytics sink.
//
// Channel refs are either a numeric chat ID ("-1001234...") or an "@username".
type Client interface {
	GetMembership(ctx context.Context, userID int64, channel string) (Status, error)
	Restrict(ctx context.Context, groupID, userID int64) error
	Unrestrict(ctx context.Context, groupID, userID int64) error
}
