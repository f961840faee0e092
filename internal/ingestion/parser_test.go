package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"SynthPool/internal/command"
	"SynthPool/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseStake(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"amount":       int64(500_000_000),
		"sequence":     int64(7),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "Stake")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	stake, ok := cmd.(*command.Stake)
	if !ok {
		t.Fatalf("expected *command.Stake, got %T", cmd)
	}

	if stake.Amount != 500_000_000 {
		t.Errorf("amount: got %d, want 500_000_000", stake.Amount)
	}
	if stake.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", stake.Sequence)
	}
	if stake.TimestampUs != 1700000000000000 {
		t.Errorf("timestamp: got %d", stake.TimestampUs)
	}
	if stake.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", stake.IdempotencyKey())
	}
}

func TestParseStakeRejectsNonPositiveAmount(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"amount":       int64(0),
		"sequence":     int64(1),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "Stake"); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestParseMint(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "770e8400-e29b-41d4-a716-446655440002",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"symbol":       "sBTC",
		"amount":       int64(10_000_000),
		"sequence":     int64(3),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "Mint")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	mint, ok := cmd.(*command.Mint)
	if !ok {
		t.Fatalf("expected *command.Mint, got %T", cmd)
	}
	if mint.Symbol != "sBTC" {
		t.Errorf("symbol: got %s, want sBTC", mint.Symbol)
	}
	if mint.Partition() != "user:660e8400-e29b-41d4-a716-446655440001" {
		t.Errorf("partition: got %s", mint.Partition())
	}
}

func TestParseBurnRequiresTokenID(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "770e8400-e29b-41d4-a716-446655440002",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"token_id":     uint32(0),
		"amount":       int64(10_000_000),
		"sequence":     int64(4),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "Burn"); err == nil {
		t.Fatal("expected error for zero token_id")
	}
}

func TestParseBurn(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "770e8400-e29b-41d4-a716-446655440002",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"token_id":     uint32(2),
		"amount":       int64(10_000_000),
		"sequence":     int64(4),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "Burn")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	burn := cmd.(*command.Burn)
	if burn.TokenID != 2 {
		t.Errorf("token_id: got %d, want 2", burn.TokenID)
	}
}

func TestParseRegisterAsset(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "880e8400-e29b-41d4-a716-446655440003",
		"symbol":       "sETH",
		"underlying":   "ETH",
		"sequence":     int64(1),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "RegisterAsset")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	reg := cmd.(*command.RegisterAsset)
	if reg.Symbol != "sETH" || reg.UnderlyingAsset != "ETH" {
		t.Errorf("got %s/%s, want sETH/ETH", reg.Symbol, reg.UnderlyingAsset)
	}
	if reg.Partition() != "registry" {
		t.Errorf("partition: got %s, want registry", reg.Partition())
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"asset_id":           "BTC",
		"price":              int64(50_000_000_000),
		"price_sequence":     int64(991),
		"price_timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pu := cmd.(*command.PriceUpdate)
	if pu.AssetID != "BTC" {
		t.Errorf("asset_id: got %s, want BTC", pu.AssetID)
	}
	if pu.Partition() != "price:BTC" {
		t.Errorf("partition: got %s", pu.Partition())
	}
	if pu.IdempotencyKey() != "BTC:price:991" {
		t.Errorf("idempotency key: got %s", pu.IdempotencyKey())
	}
}

func TestParsePriceUpdateRejectsNonPositivePrice(t *testing.T) {
	payload := map[string]interface{}{
		"asset_id":           "BTC",
		"price":              int64(-1),
		"price_sequence":     int64(1),
		"price_timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "PriceUpdate"); err == nil {
		t.Fatal("expected error for negative price")
	}
}

func TestParseUnknownType_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{}`)}
	if _, err := ingestion.ParseRawCommand(raw, "NonExistentType"); err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{invalid json`)}
	if _, err := ingestion.ParseRawCommand(raw, "Stake"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "not-a-uuid",
		"user_id":      "also-not-a-uuid",
		"amount":       int64(1),
		"sequence":     int64(0),
		"timestamp_us": int64(0),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawCommand(raw, "Unstake"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestCommandTypeForSubject(t *testing.T) {
	subjects := ingestion.DefaultSubjects()

	cases := []struct {
		subject string
		want    string
		ok      bool
	}{
		{"synth.commands.stake.user1", "Stake", true},
		{"synth.commands.mint.user1", "Mint", true},
		{"synth.prices.BTC", "PriceUpdate", true},
		{"synth.unrelated.thing", "", false},
	}

	for _, tc := range cases {
		got, ok := ingestion.CommandTypeForSubject(tc.subject, subjects)
		if ok != tc.ok || got != tc.want {
			t.Errorf("subject %s: got (%s, %v), want (%s, %v)", tc.subject, got, ok, tc.want, tc.ok)
		}
	}
}
