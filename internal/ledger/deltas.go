package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// Delta is one signed balance movement recorded by an operation. Deltas
// are the audit trail: replaying every delta set over an empty pool
// reproduces the live balances.
type Delta struct {
	Account string // Canonical account path
	Amount  int64  // Fixed-point, signed
}

// DeltaSet groups the deltas produced by one committed operation.
type DeltaSet struct {
	BatchID   uuid.UUID
	OpRef     string // Idempotency key of the source command
	Sequence  int64  // Global operation sequence
	Timestamp int64  // Versioned input timestamp (epoch microseconds)
	Deltas    []Delta
}

func NewDeltaSet(opRef string, sequence, timestamp int64) *DeltaSet {
	return &DeltaSet{
		BatchID:   uuid.New(),
		OpRef:     opRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

func (ds *DeltaSet) add(account string, amount int64) {
	if amount == 0 {
		return
	}
	ds.Deltas = append(ds.Deltas, Delta{Account: account, Amount: amount})
}

// Collateral records a movement on a user's collateral balance.
func (ds *DeltaSet) Collateral(userID uuid.UUID, amount int64) {
	ds.add(CollateralAccount(userID), amount)
}

// DebtShares records a movement on a user's debt share balance and the
// mirrored movement on the global share supply.
func (ds *DeltaSet) DebtShares(userID uuid.UUID, amount int64) {
	ds.add(DebtSharesAccount(userID), amount)
	ds.add(TotalDebtSharesAccount, amount)
}

// Supply records a movement on a token's circulating supply.
func (ds *DeltaSet) Supply(symbol string, amount int64) {
	ds.add(SupplyAccount(symbol), amount)
}

// Validate ensures the set is well-formed: a committed operation moves at
// least one balance, and user/total share movements stay mirrored.
func (ds *DeltaSet) Validate() error {
	if len(ds.Deltas) == 0 {
		return fmt.Errorf("delta set %s is empty", ds.BatchID)
	}

	var userShares, totalShares int64
	for _, d := range ds.Deltas {
		if d.Account == "" {
			return fmt.Errorf("delta set %s has an unnamed account", ds.BatchID)
		}
		if d.Amount == 0 {
			return fmt.Errorf("delta set %s has a zero movement on %s", ds.BatchID, d.Account)
		}
		switch {
		case d.Account == TotalDebtSharesAccount:
			totalShares += d.Amount
		case isDebtSharesAccount(d.Account):
			userShares += d.Amount
		}
	}

	if userShares != totalShares {
		return fmt.Errorf("delta set %s share movement mismatch: users=%d total=%d",
			ds.BatchID, userShares, totalShares)
	}

	return nil
}

// TotalDebtSharesAccount is the account path of the global share supply.
const TotalDebtSharesAccount = "total_debt_shares"

func CollateralAccount(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:collateral", userID)
}

func DebtSharesAccount(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:debt_shares", userID)
}

func SupplyAccount(symbol string) string {
	return fmt.Sprintf("supply:%s", symbol)
}

func isDebtSharesAccount(account string) bool {
	const prefix, suffix = "user:", ":debt_shares"
	if len(account) < len(prefix)+len(suffix) {
		return false
	}
	return account[:len(prefix)] == prefix && account[len(account)-len(suffix):] == suffix
}
