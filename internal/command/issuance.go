package command

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mint issues synthetic tokens of the named symbol against the user's
// collateral, diluting the global debt pool.
type Mint struct {
	CommandID   uuid.UUID `json:"command_id"`
	UserID      uuid.UUID `json:"user_id"`
	Symbol      string    `json:"symbol"`
	Amount      int64     `json:"amount"` // Fixed-point token quantity
	Sequence    int64     `json:"sequence"`
	TimestampUs int64     `json:"timestamp_us"`
}

func (m *Mint) IdempotencyKey() string {
	return m.CommandID.String()
}

func (m *Mint) CommandType() CommandType {
	return CommandTypeMint
}

func (m *Mint) Partition() string {
	return fmt.Sprintf("user:%s", m.UserID)
}

func (m *Mint) SourceSequence() int64 {
	return m.Sequence
}

func (m *Mint) Timestamp() time.Time {
	return time.UnixMicro(m.TimestampUs)
}

// Burn retires synthetic tokens and the user's matching slice of debt
// shares. The asset is resolved by token identity, not by symbol, so a
// burn of tokens from a delisted wire payload cannot be misattributed.
type Burn struct {
	CommandID   uuid.UUID `json:"command_id"`
	UserID      uuid.UUID `json:"user_id"`
	TokenID     uint32    `json:"token_id"` // Identity of the synthetic token being burned
	Amount      int64     `json:"amount"`
	Sequence    int64     `json:"sequence"`
	TimestampUs int64     `json:"timestamp_us"`
}

func (b *Burn) IdempotencyKey() string {
	return b.CommandID.String()
}

func (b *Burn) CommandType() CommandType {
	return CommandTypeBurn
}

func (b *Burn) Partition() string {
	return fmt.Sprintf("user:%s", b.UserID)
}

func (b *Burn) SourceSequence() int64 {
	return b.Sequence
}

func (b *Burn) Timestamp() time.Time {
	return time.UnixMicro(b.TimestampUs)
}
