package query

import (
	"time"

	"github.com/google/uuid"
)

// UserSummaryResponse is the display projection of one user's position.
// DebtValue and CollateralizationRatio are derived at query time from
// the projected prices and supplies.
type UserSummaryResponse struct {
	UserID                 uuid.UUID `json:"user_id"`
	Collateral             int64     `json:"collateral"`
	CollateralValue        int64     `json:"collateral_value"`
	DebtShares             int64     `json:"debt_shares"`
	TotalDebtShares        int64     `json:"total_debt_shares"`
	GlobalDebt             int64     `json:"global_debt"`
	DebtValue              int64     `json:"debt_value"`
	CollateralizationRatio int64     `json:"collateralization_ratio"` // Fixed-point; 0 when no debt
	AsOfSequence           int64     `json:"as_of_sequence"`
}

// GlobalDebtResponse aggregates the pool's outstanding debt.
type GlobalDebtResponse struct {
	GlobalDebt      int64                `json:"global_debt"`
	TotalDebtShares int64                `json:"total_debt_shares"`
	Assets          []AssetDebtComponent `json:"assets"`
	AsOfSequence    int64                `json:"as_of_sequence"`
}

// AssetDebtComponent is one asset's slice of global debt.
type AssetDebtComponent struct {
	Symbol      string `json:"symbol"`
	Underlying  string `json:"underlying"`
	TokenID     uint32 `json:"token_id"`
	Circulating int64  `json:"circulating"`
	Price       int64  `json:"price,omitempty"` // Zero when no live quote
	DebtValue   int64  `json:"debt_value"`
}

// AssetResponse is one listed synthetic asset.
type AssetResponse struct {
	Symbol       string `json:"symbol"`
	Underlying   string `json:"underlying"`
	TokenID      uint32 `json:"token_id"`
	Circulating  int64  `json:"circulating"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PriceResponse is the latest projected oracle quote for one asset.
type PriceResponse struct {
	AssetID         string `json:"asset_id"`
	Price           int64  `json:"price"`
	OracleSequence  int64  `json:"oracle_sequence"`
	OracleTimestamp int64  `json:"oracle_timestamp_us"`
}

// IssuanceHistoryEntry is one stake/unstake/mint/burn record.
type IssuanceHistoryEntry struct {
	Sequence    int64     `json:"sequence"`
	UserID      uuid.UUID `json:"user_id"`
	CommandType string    `json:"command_type"`
	Symbol      *string   `json:"symbol,omitempty"`
	Amount      int64     `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an op-log integrity check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SharesImbalance *int64  `json:"shares_imbalance,omitempty"`
}
