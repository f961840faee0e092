package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUserNotFound is returned when an operation other than staking is
// attempted against an identity the pool has never seen.
var ErrUserNotFound = errors.New("user not found")

// UserRecord holds one participant's vault: staked collateral plus their
// slice of the global debt share supply. Records are created lazily on
// first stake and never deleted.
type UserRecord struct {
	UserID     uuid.UUID
	Collateral int64 // Fixed-point collateral amount
	DebtShares int64 // Fixed-point share balance
}

// UserBook is the arena of user records. Records live in a flat slice with
// stable integer keys; a secondary map resolves the opaque identity
// credential to the arena index. Only the debt engine mutates it.
type UserBook struct {
	records []UserRecord
	index   map[uuid.UUID]int

	totalDebtShares int64
}

func NewUserBook() *UserBook {
	return &UserBook{
		index: make(map[uuid.UUID]int),
	}
}

// GetOrCreate resolves a user record by identity. Staking onboards users
// implicitly (createIfMissing=true); every other operation must fail
// loudly on an unknown identity rather than materialize a record.
func (ub *UserBook) GetOrCreate(userID uuid.UUID, createIfMissing bool) (*UserRecord, error) {
	if idx, ok := ub.index[userID]; ok {
		return &ub.records[idx], nil
	}

	if !createIfMissing {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	ub.records = append(ub.records, UserRecord{UserID: userID})
	idx := len(ub.records) - 1
	ub.index[userID] = idx
	return &ub.records[idx], nil
}

// Get returns the record for an existing user, or ErrUserNotFound.
func (ub *UserBook) Get(userID uuid.UUID) (*UserRecord, error) {
	return ub.GetOrCreate(userID, false)
}

// CreditShares mints debt shares to a user, keeping the global supply in
// lockstep with the per-user balances.
func (ub *UserBook) CreditShares(rec *UserRecord, shares int64) {
	rec.DebtShares += shares
	ub.totalDebtShares += shares
}

// DebitShares burns debt shares from a user. The caller must have
// verified rec.DebtShares >= shares.
func (ub *UserBook) DebitShares(rec *UserRecord, shares int64) {
	rec.DebtShares -= shares
	ub.totalDebtShares -= shares
}

// TotalDebtShares returns the global share supply (100% of system debt).
func (ub *UserBook) TotalDebtShares() int64 {
	return ub.totalDebtShares
}

// Len returns the number of user records in the arena.
func (ub *UserBook) Len() int {
	return len(ub.records)
}

// All returns the arena records in creation order (deterministic).
func (ub *UserBook) All() []UserRecord {
	out := make([]UserRecord, len(ub.records))
	copy(out, ub.records)
	return out
}

// ValidateSharesConservation checks sum(user.debtShares) == totalDebtShares
// and that no balance is negative.
func (ub *UserBook) ValidateSharesConservation() error {
	var sum int64
	for i := range ub.records {
		rec := &ub.records[i]
		if rec.DebtShares < 0 {
			return fmt.Errorf("user %s has negative debt shares: %d", rec.UserID, rec.DebtShares)
		}
		if rec.Collateral < 0 {
			return fmt.Errorf("user %s has negative collateral: %d", rec.UserID, rec.Collateral)
		}
		sum += rec.DebtShares
	}

	if sum != ub.totalDebtShares {
		return fmt.Errorf("share supply mismatch: sum(users)=%d, total=%d", sum, ub.totalDebtShares)
	}
	if ub.totalDebtShares < 0 {
		return fmt.Errorf("negative total debt shares: %d", ub.totalDebtShares)
	}

	return nil
}

// Restore replaces the arena contents from a snapshot. Records must be in
// their original creation order so arena indices stay stable.
func (ub *UserBook) Restore(records []UserRecord) {
	ub.records = make([]UserRecord, len(records))
	copy(ub.records, records)
	ub.index = make(map[uuid.UUID]int, len(records))
	ub.totalDebtShares = 0
	for i := range ub.records {
		ub.index[ub.records[i].UserID] = i
		ub.totalDebtShares += ub.records[i].DebtShares
	}
}

// CanonicalBytes returns the deterministic serialization of one record
// for state hashing.
func (r *UserRecord) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32)

	// user_id (16 bytes)
	buf = append(buf, r.UserID[:]...)

	// collateral (8 bytes LE)
	buf = appendInt64LE(buf, r.Collateral)

	// debt_shares (8 bytes LE)
	buf = appendInt64LE(buf, r.DebtShares)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
