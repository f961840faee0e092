package ledger

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrAssetAlreadyRegistered is returned when a symbol is listed twice.
	ErrAssetAlreadyRegistered = errors.New("asset already registered")

	// ErrAssetNotFound is returned when a symbol or token identity does
	// not resolve to a listed synthetic asset.
	ErrAssetNotFound = errors.New("asset not found")
)

// SyntheticAsset is one listed synthetic instrument. The registry is
// append-only; listed assets are never delisted or renamed.
type SyntheticAsset struct {
	Symbol     string
	Underlying string // Oracle asset identifier the price feed quotes
	TokenID    TokenID
}

// Registry maps symbols and token identities to listed assets.
type Registry struct {
	bySymbol map[string]*SyntheticAsset
	byToken  map[TokenID]*SyntheticAsset
}

func NewRegistry() *Registry {
	return &Registry{
		bySymbol: make(map[string]*SyntheticAsset),
		byToken:  make(map[TokenID]*SyntheticAsset),
	}
}

// Register lists a new synthetic asset under symbol. The token must have
// been created in the supply book first.
func (r *Registry) Register(symbol, underlying string, tokenID TokenID) (*SyntheticAsset, error) {
	if _, ok := r.bySymbol[symbol]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetAlreadyRegistered, symbol)
	}

	asset := &SyntheticAsset{
		Symbol:     symbol,
		Underlying: underlying,
		TokenID:    tokenID,
	}
	r.bySymbol[symbol] = asset
	r.byToken[tokenID] = asset
	return asset, nil
}

// BySymbol resolves a listed asset by its trading symbol.
func (r *Registry) BySymbol(symbol string) (*SyntheticAsset, error) {
	asset, ok := r.bySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, symbol)
	}
	return asset, nil
}

// ByToken resolves a listed asset by its token identity.
func (r *Registry) ByToken(tokenID TokenID) (*SyntheticAsset, error) {
	asset, ok := r.byToken[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: token %d", ErrAssetNotFound, tokenID)
	}
	return asset, nil
}

// Len returns the number of listed assets.
func (r *Registry) Len() int {
	return len(r.bySymbol)
}

// All returns every listed asset ordered by symbol. Debt aggregation and
// state hashing iterate this so results are deterministic.
func (r *Registry) All() []*SyntheticAsset {
	out := make([]*SyntheticAsset, 0, len(r.bySymbol))
	for _, asset := range r.bySymbol {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CanonicalBytes returns the deterministic serialization of one listing
// for state hashing.
func (a *SyntheticAsset) CanonicalBytes() []byte {
	buf := make([]byte, 0, len(a.Symbol)+len(a.Underlying)+8)
	buf = append(buf, byte(len(a.Symbol)))
	buf = append(buf, a.Symbol...)
	buf = append(buf, byte(len(a.Underlying)))
	buf = append(buf, a.Underlying...)
	buf = append(buf,
		byte(a.TokenID),
		byte(a.TokenID>>8),
		byte(a.TokenID>>16),
		byte(a.TokenID>>24),
	)
	return buf
}
