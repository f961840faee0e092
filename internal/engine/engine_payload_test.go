package engine_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"SynthPool/internal/command"
	"SynthPool/internal/engine"
	"SynthPool/internal/fixed"
	"SynthPool/internal/ingestion"
)

// drainPersisted empties the persist channel in emission order.
func (p *pool) drainPersisted() []engine.Output {
	var outputs []engine.Output
	for len(p.persistChan) > 0 {
		outputs = append(outputs, <-p.persistChan)
	}
	return outputs
}

// Stored payloads must parse back through the same wire parsers the NATS
// path uses: startup replay feeds op-log payloads to ParseRawCommand.
func TestPersistedPayloadsReplayThroughParsers(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	if err := p.register("sGOLD", "GOLD"); err != nil {
		t.Fatalf("register: %v", err)
	}
	p.setPrice("SNX", 10*fixed.Scale)
	p.setPrice("GOLD", 20*fixed.Scale)
	p.stake(user, 1000*fixed.Scale)
	p.mint(user, "sGOLD", 100*fixed.Scale)
	p.burn(user, 1, 50*fixed.Scale)
	p.unstake(user, 10*fixed.Scale)

	outputs := p.drainPersisted()
	if len(outputs) != 7 {
		t.Fatalf("expected 7 persisted outputs, got %d", len(outputs))
	}

	for _, out := range outputs {
		env := out.Envelope
		cmd, err := ingestion.ParseRawCommand(ingestion.RawCommand{Data: env.Payload}, env.CommandType.String())
		if err != nil {
			t.Fatalf("seq %d (%s): stored payload does not parse: %v", env.Sequence, env.CommandType, err)
		}
		if cmd.IdempotencyKey() != env.IdempotencyKey {
			t.Errorf("seq %d: replayed key %s, envelope key %s", env.Sequence, cmd.IdempotencyKey(), env.IdempotencyKey)
		}
		if cmd.SourceSequence() != env.SourceSequence {
			t.Errorf("seq %d: replayed source sequence %d, want %d", env.Sequence, cmd.SourceSequence(), env.SourceSequence)
		}
		if !cmd.Timestamp().Equal(env.Timestamp) {
			t.Errorf("seq %d: replayed timestamp %v, want %v", env.Sequence, cmd.Timestamp(), env.Timestamp)
		}
	}
}

func TestStakePayloadRoundTrip(t *testing.T) {
	p := newTestPool(t)

	orig := &command.Stake{
		CommandID:   uuid.New(),
		UserID:      uuid.New(),
		Amount:      250 * fixed.Scale,
		Sequence:    0,
		TimestampUs: 1_700_000_000_000_000,
	}
	if err := p.engine.ProcessCommand(orig); err != nil {
		t.Fatalf("process: %v", err)
	}

	env := (<-p.persistChan).Envelope
	cmd, err := ingestion.ParseRawCommand(ingestion.RawCommand{Data: env.Payload}, "Stake")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	replayed := cmd.(*command.Stake)
	if *replayed != *orig {
		t.Fatalf("round trip mutated the command:\n  stored   %+v\n  replayed %+v", orig, replayed)
	}
}

// Registration payloads are enriched with the engine-assigned token ID,
// and the enriched form still parses as a registration on replay.
func TestRegisterPayloadCarriesAssignedTokenID(t *testing.T) {
	p := newTestPool(t)
	if err := p.register("sGOLD", "GOLD"); err != nil {
		t.Fatalf("register: %v", err)
	}

	env := (<-p.persistChan).Envelope
	var enriched struct {
		Symbol      string `json:"symbol"`
		Underlying  string `json:"underlying"`
		TokenID     uint32 `json:"token_id"`
		TimestampUs int64  `json:"timestamp_us"`
	}
	if err := json.Unmarshal(env.Payload, &enriched); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if enriched.Symbol != "sGOLD" || enriched.Underlying != "GOLD" {
		t.Errorf("payload identity: got %s/%s", enriched.Symbol, enriched.Underlying)
	}
	if enriched.TokenID != 1 {
		t.Errorf("token_id = %d, want 1", enriched.TokenID)
	}
	if enriched.TimestampUs != p.at(0) {
		t.Errorf("timestamp_us = %d, want %d", enriched.TimestampUs, p.at(0))
	}

	if _, err := ingestion.ParseRawCommand(ingestion.RawCommand{Data: env.Payload}, "RegisterAsset"); err != nil {
		t.Fatalf("replay parse: %v", err)
	}
}
