package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"SynthPool/internal/command"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type
// string) into a typed command. The ingestion shell validates and
// parses before anything reaches the engine; a payload that fails here
// is NAKed and never consumes a sequence number.
func ParseRawCommand(raw RawCommand, commandType string) (command.Command, error) {
	switch commandType {
	case "Stake":
		return parseStake(raw.Data)
	case "Unstake":
		return parseUnstake(raw.Data)
	case "Mint":
		return parseMint(raw.Data)
	case "Burn":
		return parseBurn(raw.Data)
	case "RegisterAsset":
		return parseRegisterAsset(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type stakeJSON struct {
	CommandID   string `json:"command_id"`
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseStake(data []byte) (*command.Stake, error) {
	var j stakeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Stake: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("stake amount must be positive, got %d", j.Amount)
	}

	return &command.Stake{
		CommandID:   commandID,
		UserID:      userID,
		Amount:      j.Amount,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

func parseUnstake(data []byte) (*command.Unstake, error) {
	var j stakeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Unstake: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("unstake amount must be positive, got %d", j.Amount)
	}

	return &command.Unstake{
		CommandID:   commandID,
		UserID:      userID,
		Amount:      j.Amount,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type mintJSON struct {
	CommandID   string `json:"command_id"`
	UserID      string `json:"user_id"`
	Symbol      string `json:"symbol"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseMint(data []byte) (*command.Mint, error) {
	var j mintJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Mint: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Symbol == "" {
		return nil, fmt.Errorf("mint symbol must not be empty")
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("mint amount must be positive, got %d", j.Amount)
	}

	return &command.Mint{
		CommandID:   commandID,
		UserID:      userID,
		Symbol:      j.Symbol,
		Amount:      j.Amount,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type burnJSON struct {
	CommandID   string `json:"command_id"`
	UserID      string `json:"user_id"`
	TokenID     uint32 `json:"token_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseBurn(data []byte) (*command.Burn, error) {
	var j burnJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Burn: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.TokenID == 0 {
		return nil, fmt.Errorf("burn token_id must be nonzero")
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("burn amount must be positive, got %d", j.Amount)
	}

	return &command.Burn{
		CommandID:   commandID,
		UserID:      userID,
		TokenID:     j.TokenID,
		Amount:      j.Amount,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type registerAssetJSON struct {
	CommandID   string `json:"command_id"`
	Symbol      string `json:"symbol"`
	Underlying  string `json:"underlying"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseRegisterAsset(data []byte) (*command.RegisterAsset, error) {
	var j registerAssetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RegisterAsset: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	if j.Symbol == "" {
		return nil, fmt.Errorf("register symbol must not be empty")
	}
	if j.Underlying == "" {
		return nil, fmt.Errorf("register underlying must not be empty")
	}

	return &command.RegisterAsset{
		CommandID:       commandID,
		Symbol:          j.Symbol,
		UnderlyingAsset: j.Underlying,
		Sequence:        j.Sequence,
		TimestampUs:     j.TimestampUs,
	}, nil
}

type priceUpdateJSON struct {
	AssetID          string `json:"asset_id"`
	Price            int64  `json:"price"`
	PriceSequence    int64  `json:"price_sequence"`
	PriceTimestampUs int64  `json:"price_timestamp_us"`
}

func parsePriceUpdate(data []byte) (*command.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.AssetID == "" {
		return nil, fmt.Errorf("price asset_id must not be empty")
	}
	if j.Price <= 0 {
		return nil, fmt.Errorf("price must be positive, got %d", j.Price)
	}

	return &command.PriceUpdate{
		AssetID:        j.AssetID,
		Price:          j.Price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestampUs,
	}, nil
}

// CommandTypeForSubject resolves the command type from a NATS subject
// using the configured subject table.
func CommandTypeForSubject(subject string, subjects []SubjectConfig) (string, bool) {
	for _, cfg := range subjects {
		if matchSubject(cfg.Subject, subject) {
			return cfg.CommandType, true
		}
	}
	return "", false
}

// matchSubject implements NATS wildcard matching for the trailing ">".
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if len(pattern) >= 2 && pattern[len(pattern)-1] == '>' {
		prefix := pattern[:len(pattern)-1]
		return len(subject) >= len(prefix) && subject[:len(prefix)] == prefix
	}
	return false
}
