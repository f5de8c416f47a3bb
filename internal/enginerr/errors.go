// Package enginerr defines the engine-wide error taxonomy. Callers decide
// retry behavior by errors.Is checks against these sentinels, never by
// string matching.
package enginerr

import (
	"context"
	"errors"
	"fmt"

	"binance-grid-engine-go/internal/models"
)

var (
	// ErrTransientNetwork marks failures safe to retry with backoff:
	// connection drops, timeouts on read-only calls, 5xx responses.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrUnknownOutcome marks a timed-out mutating call. The order may or
	// may not exist on the exchange; only reconciliation resolves it.
	// Never retried blindly.
	ErrUnknownOutcome = errors.New("unknown outcome")

	// ErrRateLimited is returned when the rate governor's maximum wait is
	// exceeded before capacity became available.
	ErrRateLimited = errors.New("rate limited")

	// ErrDecryption is fatal for the credential involved: missing or
	// rotated master key, or corrupt ciphertext. Not retryable.
	ErrDecryption = errors.New("credential decryption failed")

	// ErrHalted is returned when the kill switch is engaged. The exchange
	// is never contacted.
	ErrHalted = errors.New("kill switch engaged")

	// ErrInsufficientBalance is fatal for the order that triggered it.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrExchangeRejection covers order rejections other than balance.
	ErrExchangeRejection = errors.New("exchange rejected order")

	// ErrReconciliation means a recovery pass could not complete; the bot
	// is held in ERROR and never silently resumed.
	ErrReconciliation = errors.New("reconciliation failed")
)

// Venue error codes that map onto the taxonomy.
const (
	codeInsufficientBalance = -2010
	codeMarginInsufficient  = -2019
	codeUnknownOrder        = -2011
	codeTooManyRequests     = -1003
)

// Classify wraps an exchange call error into the taxonomy. mutating marks
// calls that change exchange state, for which a timeout means the outcome
// is unknown rather than failed.
func Classify(err error, mutating bool) error {
	if err == nil {
		return nil
	}

	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeInsufficientBalance, codeMarginInsufficient:
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		case codeTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case codeUnknownOrder:
			// Cancel of an already-gone order; surfaced as-is so callers
			// can treat it as success where that is safe.
			return err
		}
		if apiErr.Code != 0 {
			return fmt.Errorf("%w: %v", ErrExchangeRejection, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if mutating {
			return fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
		}
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}

	// Anything else from the transport layer is treated as transient for
	// reads and unknown for mutations that may have reached the venue.
	if mutating {
		return fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}
	return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
}

// IsUnknownOrder reports whether err is the venue's "order does not exist"
// rejection.
func IsUnknownOrder(err error) bool {
	var apiErr *models.APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder
}
