package engine_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"SynthPool/internal/command"
	"SynthPool/internal/engine"
	"SynthPool/internal/fixed"
	"SynthPool/internal/observability"
)

// NewMetrics registers on the default Prometheus registry, so this test
// binary constructs it exactly once, in this test.
func TestPoolGaugesTrackAppliedCommands(t *testing.T) {
	metrics := observability.NewMetrics()
	persistChan := make(chan engine.Output, 64)
	projChan := make(chan engine.Output, 64)
	e := engine.NewDebtEngine(0, testCollateral, testThreshold, 1024, persistChan, projChan, nil, metrics)

	user := uuid.New()
	mustProcess := func(cmd command.Command) {
		t.Helper()
		if err := e.ProcessCommand(cmd); err != nil {
			t.Fatalf("%s: %v", cmd.CommandType(), err)
		}
	}

	mustProcess(&command.RegisterAsset{CommandID: uuid.New(), Symbol: "sGOLD", UnderlyingAsset: "GOLD", Sequence: 0, TimestampUs: 1_000_000})
	mustProcess(&command.PriceUpdate{AssetID: "SNX", Price: 10 * fixed.Scale, PriceSequence: 1, PriceTimestamp: 1_000_000})
	mustProcess(&command.PriceUpdate{AssetID: "GOLD", Price: 20 * fixed.Scale, PriceSequence: 1, PriceTimestamp: 1_000_000})
	mustProcess(&command.Stake{CommandID: uuid.New(), UserID: user, Amount: 1000 * fixed.Scale, Sequence: 0, TimestampUs: 1_000_000})
	mustProcess(&command.Mint{CommandID: uuid.New(), UserID: user, Symbol: "sGOLD", Amount: 100 * fixed.Scale, Sequence: 1, TimestampUs: 1_001_000})

	if got := testutil.ToFloat64(metrics.PoolTotalDebtShares); got != float64(engine.SeedShares) {
		t.Errorf("total debt shares gauge = %v, want %v", got, float64(engine.SeedShares))
	}
	if got := testutil.ToFloat64(metrics.PoolUsers); got != 1 {
		t.Errorf("users gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.PoolListedAssets); got != 1 {
		t.Errorf("listed assets gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.PoolGlobalDebt); got != float64(2000*fixed.Scale) {
		t.Errorf("global debt gauge = %v, want %v", got, float64(2000*fixed.Scale))
	}
	if got := testutil.ToFloat64(metrics.TokenSupply.WithLabelValues("sGOLD")); got != float64(100*fixed.Scale) {
		t.Errorf("token supply gauge = %v, want %v", got, float64(100*fixed.Scale))
	}

	// A stale quote is dropped, counted, and never applied.
	mustProcess(&command.PriceUpdate{AssetID: "GOLD", Price: 5 * fixed.Scale, PriceSequence: 1, PriceTimestamp: 900_000})
	if got := testutil.ToFloat64(metrics.StalePriceDropped.WithLabelValues("GOLD")); got != 1 {
		t.Errorf("stale price counter = %v, want 1", got)
	}
	if price, err := e.AssetPrice("GOLD"); err != nil || price != 20*fixed.Scale {
		t.Errorf("stale quote applied: price=%d err=%v", price, err)
	}

	// Redeliveries land in the LRU dedup tier.
	dup := &command.Stake{CommandID: uuid.New(), UserID: user, Amount: fixed.Scale, Sequence: 2, TimestampUs: 1_002_000}
	mustProcess(dup)
	mustProcess(dup)
	if got := testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("Stake", "lru")); got != 1 {
		t.Errorf("lru duplicates counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.DedupLRUSize); got == 0 {
		t.Error("dedup LRU size gauge never set")
	}

	// A gapped user sequence is rejected and counted per partition.
	gap := &command.Stake{CommandID: uuid.New(), UserID: user, Amount: fixed.Scale, Sequence: 9, TimestampUs: 1_003_000}
	if err := e.ProcessCommand(gap); err == nil {
		t.Fatal("expected sequence gap rejection")
	}
	partition := "user:" + user.String()
	if got := testutil.ToFloat64(metrics.CommandSequenceGap.WithLabelValues(partition)); got != 1 {
		t.Errorf("sequence gap counter = %v, want 1", got)
	}
}
