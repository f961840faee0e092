package command

import (
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeStake
	CommandTypeUnstake
	CommandTypeMint
	CommandTypeBurn
	CommandTypeRegisterAsset
	CommandTypePriceUpdate
)

// Envelope wraps every applied command in the operation log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Symbol context (nullable for commands without an asset)
	Symbol *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command payload
	Payload []byte

	// SHA-256 of ledger state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Partition returns the ordering partition for sequence validation
	Partition() string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// Timestamp returns the versioned input timestamp
	Timestamp() time.Time
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeStake:
		return "Stake"
	case CommandTypeUnstake:
		return "Unstake"
	case CommandTypeMint:
		return "Mint"
	case CommandTypeBurn:
		return "Burn"
	case CommandTypeRegisterAsset:
		return "RegisterAsset"
	case CommandTypePriceUpdate:
		return "PriceUpdate"
	default:
		return "Unknown"
	}
}
