package analytics

import (
	"time"
)

// Result classifies a verification outcome.
const (
	ResultVerified   = "verified"
	ResultRestricted = "restricted"
	ResultError      = "error"
)

// Kind separates verification facts from raw API-call facts.
const (
	KindVerification = "verification"
	KindAPICall      = "api_call"
)

// Outcome is a write-once fact about one verification or one platform API
// call. The engine never reads these back; the dashboard layer aggregates them.
type Outcome struct {
	At        time.Time
	TenantBot int64
	Kind      string
	Method    string // api_call only: get_member, restrict, unrestrict, ...
	UserID    int64
	GroupID   int64
	Channel   string
	Result    string
	Cached    bool
	Latency   time.Duration
	ErrorKind string
}

// Sink records outcomes. Record must return immediately and must never fail
// the caller: enforcement correctness does not depend on analytics durability.
// Delivery is best-effort, at-most-once.
type Sink interface {
	Record(o Outcome)
}

// Nop discards all outcomes.
type Nop struct{}

func (Nop) Record(Outcome) {}
