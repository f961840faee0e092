package command

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stake credits collateral to a user's vault. The upstream custody service
// emits this after the collateral transfer into the pool has settled.
type Stake struct {
	CommandID   uuid.UUID `json:"command_id"`
	UserID      uuid.UUID `json:"user_id"`
	Amount      int64     `json:"amount"` // Fixed-point
	Sequence    int64     `json:"sequence"`
	TimestampUs int64     `json:"timestamp_us"` // Epoch microseconds (versioned input)
}

func (s *Stake) IdempotencyKey() string {
	return s.CommandID.String()
}

func (s *Stake) CommandType() CommandType {
	return CommandTypeStake
}

func (s *Stake) Partition() string {
	return fmt.Sprintf("user:%s", s.UserID)
}

func (s *Stake) SourceSequence() int64 {
	return s.Sequence
}

func (s *Stake) Timestamp() time.Time {
	return time.UnixMicro(s.TimestampUs)
}

// Unstake withdraws collateral from a user's vault, subject to the
// collateralization post-check. The returned amount is transferred back
// to the caller by the custody service after the command commits.
type Unstake struct {
	CommandID   uuid.UUID `json:"command_id"`
	UserID      uuid.UUID `json:"user_id"`
	Amount      int64     `json:"amount"`
	Sequence    int64     `json:"sequence"`
	TimestampUs int64     `json:"timestamp_us"`
}

func (u *Unstake) IdempotencyKey() string {
	return u.CommandID.String()
}

func (u *Unstake) CommandType() CommandType {
	return CommandTypeUnstake
}

func (u *Unstake) Partition() string {
	return fmt.Sprintf("user:%s", u.UserID)
}

func (u *Unstake) SourceSequence() int64 {
	return u.Sequence
}

func (u *Unstake) Timestamp() time.Time {
	return time.UnixMicro(u.TimestampUs)
}
