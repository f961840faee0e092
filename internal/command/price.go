package command

import (
	"fmt"
	"time"
)

// PriceUpdate carries a USD quote for one asset from the upstream oracle
// feed. Price sequences are monotonic per asset; gaps are tolerated and
// stale updates are silently ignored.
type PriceUpdate struct {
	AssetID        string `json:"asset_id"`
	Price          int64  `json:"price"`              // Fixed-point USD price
	PriceSequence  int64  `json:"price_sequence"`     // Monotonic per asset
	PriceTimestamp int64  `json:"price_timestamp_us"` // Epoch microseconds (versioned input)
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.AssetID, p.PriceSequence)
}

func (p *PriceUpdate) CommandType() CommandType {
	return CommandTypePriceUpdate
}

func (p *PriceUpdate) Partition() string {
	return fmt.Sprintf("price:%s", p.AssetID)
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

func (p *PriceUpdate) Timestamp() time.Time {
	return time.UnixMicro(p.PriceTimestamp)
}
