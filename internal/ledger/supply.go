package ledger

import (
	"errors"
	"fmt"
)

// ErrInsufficientSupply is returned when a burn exceeds the circulating
// supply of a token. The debt engine surfaces this as an insufficient
// balance condition.
var ErrInsufficientSupply = errors.New("insufficient token supply")

// TokenID identifies one synthetic token. IDs are allocated sequentially
// starting at 1; zero is never a valid token.
type TokenID uint32

// Authority is the capability to mint and burn tokens. The zero value is
// inert; the only valid Authority is the one returned by NewSupplyBook,
// which the debt engine holds and never shares.
type Authority struct {
	book *SupplyBook
}

// SupplyBook tracks the circulating supply of every synthetic token.
type SupplyBook struct {
	supplies map[TokenID]int64
	nextID   TokenID
}

// NewSupplyBook creates an empty supply book and its sole mint/burn
// Authority.
func NewSupplyBook() (*SupplyBook, Authority) {
	sb := &SupplyBook{
		supplies: make(map[TokenID]int64),
		nextID:   1,
	}
	return sb, Authority{book: sb}
}

func (sb *SupplyBook) checkAuthority(auth Authority) error {
	if auth.book != sb {
		return errors.New("invalid supply authority")
	}
	return nil
}

// CreateToken allocates the next token identity with zero supply.
func (sb *SupplyBook) CreateToken(auth Authority) (TokenID, error) {
	if err := sb.checkAuthority(auth); err != nil {
		return 0, err
	}
	id := sb.nextID
	sb.nextID++
	sb.supplies[id] = 0
	return id, nil
}

// Mint increases the circulating supply of a token.
func (sb *SupplyBook) Mint(auth Authority, id TokenID, amount int64) error {
	if err := sb.checkAuthority(auth); err != nil {
		return err
	}
	if _, ok := sb.supplies[id]; !ok {
		return fmt.Errorf("%w: token %d", ErrAssetNotFound, id)
	}
	sb.supplies[id] += amount
	return nil
}

// Burn decreases the circulating supply of a token. Fails without
// mutating if the burn exceeds circulation.
func (sb *SupplyBook) Burn(auth Authority, id TokenID, amount int64) error {
	if err := sb.checkAuthority(auth); err != nil {
		return err
	}
	supply, ok := sb.supplies[id]
	if !ok {
		return fmt.Errorf("%w: token %d", ErrAssetNotFound, id)
	}
	if supply < amount {
		return fmt.Errorf("%w: token %d circulating %d, burn %d", ErrInsufficientSupply, id, supply, amount)
	}
	sb.supplies[id] = supply - amount
	return nil
}

// Circulating returns the supply of a token, or ErrAssetNotFound.
func (sb *SupplyBook) Circulating(id TokenID) (int64, error) {
	supply, ok := sb.supplies[id]
	if !ok {
		return 0, fmt.Errorf("%w: token %d", ErrAssetNotFound, id)
	}
	return supply, nil
}

// NextID returns the identity the next CreateToken call will allocate.
// Snapshot restore uses it to reseed the allocator.
func (sb *SupplyBook) NextID() TokenID {
	return sb.nextID
}

// Restore replaces the book contents from a snapshot.
func (sb *SupplyBook) Restore(supplies map[TokenID]int64, nextID TokenID) {
	sb.supplies = make(map[TokenID]int64, len(supplies))
	for id, s := range supplies {
		sb.supplies[id] = s
	}
	sb.nextID = nextID
}

// Supplies returns a copy of the supply table.
func (sb *SupplyBook) Supplies() map[TokenID]int64 {
	out := make(map[TokenID]int64, len(sb.supplies))
	for id, s := range sb.supplies {
		out[id] = s
	}
	return out
}
