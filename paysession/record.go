package paysession

import (
	"context"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Scope selects which URLs a session covers.
type Scope string

const (
	// ScopePrefix covers the endpoint and every URL nested under it.
	ScopePrefix Scope = "prefix"
	// ScopeExact covers only a byte-identical URL.
	ScopeExact Scope = "exact"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool { return s == ScopePrefix || s == ScopeExact }

// ParseScope parses a scope name. Empty means ScopePrefix.
func ParseScope(s string) (Scope, error) {
	if s == "" {
		return ScopePrefix, nil
	}
	sc := Scope(s)
	if !sc.Valid() {
		return "", Errorf(InvalidInput, "scope must be %q or %q, got %q", ScopePrefix, ScopeExact, s)
	}
	return sc, nil
}

// Header names carried on every session-authenticated request.
const (
	HeaderSessionToken  = "X-Session-Token"
	HeaderSessionWallet = "X-Session-Wallet"
	HeaderPaymentSess   = "PAYMENT-SESSION"
)

// Record is one paid access grant.
type Record struct {
	SessionID     string
	Endpoint      string
	Scope         Scope
	WalletAddress string
	CreatedAt     int64
	ExpiresAt     int64

	PaymentTxHash    string
	PaymentAmount    *uint256.Int
	PaymentToken     string
	PaymentRecipient string
	PaymentNetwork   string

	SessionToken string
	Signature    string
	Label        string

	CallCount  int64
	LastUsedAt int64
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.PaymentAmount != nil {
		c.PaymentAmount = r.PaymentAmount.Clone()
	}
	return &c
}

// ActiveAt reports whether the session authorizes requests at now.
func (r *Record) ActiveAt(now time.Time) bool {
	return now.Unix() < r.ExpiresAt
}

// RemainingAt is the time left before expiry, never negative.
func (r *Record) RemainingAt(now time.Time) time.Duration {
	d := time.Duration(r.ExpiresAt-now.Unix()) * time.Second
	if d < 0 {
		return 0
	}
	return d
}

// Covers reports whether url falls inside the session's scope.
func (r *Record) Covers(url string) bool {
	return Covers(r.Scope, r.Endpoint, url)
}

// Headers returns the session headers to attach to outbound requests.
func (r *Record) Headers() map[string]string {
	return map[string]string{
		HeaderSessionToken:  r.SessionToken,
		HeaderSessionWallet: r.WalletAddress,
		HeaderPaymentSess:   r.SessionID,
	}
}

// Covers implements scope matching. Exact scope needs byte equality. Prefix
// scope matches the endpoint itself or anything below it on a path
// boundary, so https://a/api covers https://a/api/x but not https://a/api-v2.
func Covers(scope Scope, endpoint, url string) bool {
	if url == endpoint {
		return true
	}
	if scope != ScopePrefix {
		return false
	}
	base := endpoint
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return strings.HasPrefix(url, base)
}

// CreateOptions carries everything needed to mint a session after a
// confirmed payment.
type CreateOptions struct {
	Endpoint      string
	Scope         Scope
	WalletAddress string
	// TTLSeconds is clamped by the store's TTLPolicy; <= 0 takes the default.
	TTLSeconds int64

	PaymentTxHash    string
	PaymentAmount    *uint256.Int
	PaymentToken     string
	PaymentRecipient string
	PaymentNetwork   string

	Label string
}

// LookupResult is the outcome of Store.Lookup.
type LookupResult struct {
	Found   bool
	Record  *Record
	Expired bool
}

// Clock returns the current time.
type Clock func() time.Time

// Store owns session records. Implementations must be safe for concurrent
// use and must hand out copies so callers cannot mutate stored state.
type Store interface {
	// Create mints, signs and stores a new session. It fails only when the
	// signer fails.
	Create(ctx context.Context, opts CreateOptions) (*Record, error)
	// Lookup is a pure read.
	Lookup(sessionID string) LookupResult
	// RecordUse increments the call count and stamps LastUsedAt. Unknown
	// ids are ignored.
	RecordUse(sessionID string)
	// End forces expiry. It reports false only for unknown ids.
	End(sessionID string) bool
	// ListActive prunes and returns the active sessions in creation order.
	ListActive() []*Record
	// FindByURL returns the active session that should authorize url, or nil.
	FindByURL(url string) *Record
}
