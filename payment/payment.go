// Package payment defines the contract between session routing and the
// component that actually settles payments for HTTP resources.
//
// A Client performs a request, pays when the server answers 402, and
// reports the settlement through Hooks. Implementations live in
// payment/x402.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/holiman/uint256"
)

var (
	// ErrAmountExceedsMax is returned by Do when the quoted amount is
	// greater than Hooks.MaxAmount. Nothing was paid.
	ErrAmountExceedsMax = errors.New("quoted amount exceeds maximum")
	// ErrNoPaymentOptions means the 402 body offered nothing payable.
	ErrNoPaymentOptions = errors.New("no acceptable payment requirements")
	// ErrInvalidTerms means the 402 body could not be read as payment terms.
	ErrInvalidTerms = errors.New("invalid payment terms")
	// ErrSettlementFailed means the wallet could not settle the quote.
	// Nothing was paid.
	ErrSettlementFailed = errors.New("payment settlement failed")
	// ErrPaymentNotAccepted means the payment settled but the server still
	// answered 402. Do returns it as a *NotAcceptedError.
	ErrPaymentNotAccepted = errors.New("payment settled but not accepted")
)

// NotAcceptedError carries a settled payment the server did not honour,
// either by answering 402 again or by failing the paid retry (Err). The
// receipt is the only proof of the spend, so callers must surface it.
type NotAcceptedError struct {
	URL     string
	Receipt Receipt
	Err     error
}

func (e *NotAcceptedError) Error() string {
	msg := fmt.Sprintf("%s: tx %s for %s", ErrPaymentNotAccepted, e.Receipt.TxHash, e.URL)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotAcceptedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPaymentNotAccepted}
	}
	return []error{ErrPaymentNotAccepted, e.Err}
}

// Client fetches HTTP resources, paying for them when required.
type Client interface {
	Do(ctx context.Context, req *http.Request, hooks Hooks) (*http.Response, error)
}

// CheckMax returns ErrAmountExceedsMax when max is set and amount > max.
func CheckMax(amount, max *uint256.Int) error {
	if max == nil || amount == nil {
		return nil
	}
	if amount.Gt(max) {
		return fmt.Errorf("%w: %s > %s", ErrAmountExceedsMax, amount.Dec(), max.Dec())
	}
	return nil
}

// ParseAmount parses a non-negative decimal amount in base units. Empty
// yields nil.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}
