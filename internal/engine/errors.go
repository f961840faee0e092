package engine

import (
	"errors"

	"SynthPool/internal/ledger"
)

// Operation failure taxonomy. Every rejection is synchronous and commits
// nothing; the caller decides whether to resubmit.
var (
	// ErrPriceUnavailable means the oracle has no quote for an asset the
	// operation needs. One unpriced listed asset blocks every operation
	// that touches global debt.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrInsufficientCollateral means a mint or unstake would leave the
	// user's collateralization ratio below the threshold, or an unstake
	// exceeds the staked balance.
	ErrInsufficientCollateral = errors.New("insufficient collateral")

	// ErrInsufficientSharesOrBalance means a burn exceeds the user's debt
	// shares or the token's circulating supply, or was attempted with
	// zero global debt.
	ErrInsufficientSharesOrBalance = errors.New("insufficient shares or balance")
)

// RejectionReason maps an operation error to a stable metrics label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrAssetAlreadyRegistered):
		return "asset_already_registered"
	case errors.Is(err, ledger.ErrAssetNotFound):
		return "asset_not_found"
	case errors.Is(err, ledger.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrInsufficientSharesOrBalance):
		return "insufficient_shares_or_balance"
	default:
		return "invalid"
	}
}
