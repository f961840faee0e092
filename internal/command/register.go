package command

import (
	"time"

	"github.com/google/uuid"
)

// RegisterAsset lists a new synthetic asset symbol and creates its token.
// Registration is open to any caller; the registry is append-only.
type RegisterAsset struct {
	CommandID       uuid.UUID `json:"command_id"`
	Symbol          string    `json:"symbol"`
	UnderlyingAsset string    `json:"underlying"`
	Sequence        int64     `json:"sequence"`
	TimestampUs     int64     `json:"timestamp_us"`
}

func (r *RegisterAsset) IdempotencyKey() string {
	return r.CommandID.String()
}

func (r *RegisterAsset) CommandType() CommandType {
	return CommandTypeRegisterAsset
}

func (r *RegisterAsset) Partition() string {
	return "registry"
}

func (r *RegisterAsset) SourceSequence() int64 {
	return r.Sequence
}

func (r *RegisterAsset) Timestamp() time.Time {
	return time.UnixMicro(r.TimestampUs)
}
