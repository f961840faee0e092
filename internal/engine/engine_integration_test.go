package engine_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"SynthPool/internal/command"
	"SynthPool/internal/engine"
	"SynthPool/internal/fixed"
	"SynthPool/internal/ledger"
)

// --- Test helpers ---

const (
	testThreshold  = 2 * fixed.Scale // minimum collateralization ratio of 2.0
	testCollateral = "SNX"
)

// pool wraps a DebtEngine with per-partition sequence bookkeeping so
// tests read like operation scripts.
type pool struct {
	t           *testing.T
	engine      *engine.DebtEngine
	persistChan chan engine.Output
	projChan    chan engine.Output
	seqs        map[string]int64
	priceSeqs   map[string]int64
}

func newTestPool(t *testing.T) *pool {
	t.Helper()
	persistChan := make(chan engine.Output, 1024)
	projChan := make(chan engine.Output, 1024)
	e := engine.NewDebtEngine(0, testCollateral, testThreshold, 1024, persistChan, projChan, nil, nil)
	return &pool{
		t:           t,
		engine:      e,
		persistChan: persistChan,
		projChan:    projChan,
		seqs:        make(map[string]int64),
		priceSeqs:   make(map[string]int64),
	}
}

func (p *pool) nextSeq(partition string) int64 {
	seq := p.seqs[partition]
	p.seqs[partition] = seq + 1
	return seq
}

func (p *pool) at(seq int64) int64 {
	return 1_000_000 + seq*1000
}

func (p *pool) setPrice(asset string, price int64) error {
	seq := p.priceSeqs[asset] + 1
	p.priceSeqs[asset] = seq
	return p.engine.ProcessCommand(&command.PriceUpdate{
		AssetID:        asset,
		Price:          price,
		PriceSequence:  seq,
		PriceTimestamp: 1_000_000 + seq*1000,
	})
}

func (p *pool) register(symbol, underlying string) error {
	seq := p.nextSeq("registry")
	return p.engine.ProcessCommand(&command.RegisterAsset{
		CommandID:       uuid.New(),
		Symbol:          symbol,
		UnderlyingAsset: underlying,
		Sequence:        seq,
		TimestampUs:     p.at(seq),
	})
}

func (p *pool) stake(userID uuid.UUID, amount int64) error {
	seq := p.nextSeq("user:" + userID.String())
	return p.engine.ProcessCommand(&command.Stake{
		CommandID:   uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Sequence:    seq,
		TimestampUs: p.at(seq),
	})
}

func (p *pool) unstake(userID uuid.UUID, amount int64) error {
	seq := p.nextSeq("user:" + userID.String())
	return p.engine.ProcessCommand(&command.Unstake{
		CommandID:   uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Sequence:    seq,
		TimestampUs: p.at(seq),
	})
}

func (p *pool) mint(userID uuid.UUID, symbol string, amount int64) error {
	seq := p.nextSeq("user:" + userID.String())
	return p.engine.ProcessCommand(&command.Mint{
		CommandID:   uuid.New(),
		UserID:      userID,
		Symbol:      symbol,
		Amount:      amount,
		Sequence:    seq,
		TimestampUs: p.at(seq),
	})
}

func (p *pool) burn(userID uuid.UUID, tokenID uint32, amount int64) error {
	seq := p.nextSeq("user:" + userID.String())
	return p.engine.ProcessCommand(&command.Burn{
		CommandID:   uuid.New(),
		UserID:      userID,
		TokenID:     tokenID,
		Amount:      amount,
		Sequence:    seq,
		TimestampUs: p.at(seq),
	})
}

func (p *pool) summary(userID uuid.UUID) *engine.Summary {
	p.t.Helper()
	s, err := p.engine.UserSummary(userID)
	if err != nil {
		p.t.Fatalf("summary: %v", err)
	}
	return s
}

// --- Scenario A: first mint seeds the share supply ---

func TestFirstMintSeedsShareSupply(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	if err := p.register("sGOLD", "GOLD"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.setPrice("SNX", 10*fixed.Scale); err != nil {
		t.Fatalf("price SNX: %v", err)
	}
	if err := p.setPrice("GOLD", 20*fixed.Scale); err != nil {
		t.Fatalf("price GOLD: %v", err)
	}

	if err := p.stake(user, 1000*fixed.Scale); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := p.mint(user, "sGOLD", 100*fixed.Scale); err != nil {
		t.Fatalf("mint: %v", err)
	}

	s := p.summary(user)
	if s.TotalDebtShares != engine.SeedShares {
		t.Fatalf("total shares = %d, want seed %d", s.TotalDebtShares, engine.SeedShares)
	}
	if s.DebtShares != engine.SeedShares {
		t.Fatalf("user shares = %d, want %d", s.DebtShares, engine.SeedShares)
	}
	if s.GlobalDebt != 2000*fixed.Scale {
		t.Fatalf("global debt = %d, want %d", s.GlobalDebt, 2000*fixed.Scale)
	}
	if s.Collateral != 1000*fixed.Scale {
		t.Fatalf("collateral = %d", s.Collateral)
	}
}

// --- Scenario B: breaching mint rolls back completely ---

func TestMintBelowThresholdRollsBack(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.register("sGOLD", "GOLD")
	p.setPrice("SNX", 10*fixed.Scale)
	p.setPrice("GOLD", 20*fixed.Scale)
	p.stake(user, 1000*fixed.Scale)
	if err := p.mint(user, "sGOLD", 100*fixed.Scale); err != nil {
		t.Fatalf("first mint: %v", err)
	}
	before := p.summary(user)

	// Debt value 8000 would bring total debt to 10000 against collateral
	// value 10000: ratio 1 < 2.
	err := p.mint(user, "sGOLD", 400*fixed.Scale)
	if !errors.Is(err, engine.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}

	after := p.summary(user)
	if after.DebtShares != before.DebtShares {
		t.Fatalf("user shares changed: %d -> %d", before.DebtShares, after.DebtShares)
	}
	if after.TotalDebtShares != before.TotalDebtShares {
		t.Fatalf("total shares changed: %d -> %d", before.TotalDebtShares, after.TotalDebtShares)
	}
	if after.GlobalDebt != before.GlobalDebt {
		t.Fatalf("global debt changed: %d -> %d", before.GlobalDebt, after.GlobalDebt)
	}
}

// --- Scenario C: unknown symbol ---

func TestMintUnknownSymbol(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.setPrice("SNX", 10*fixed.Scale)
	p.stake(user, 1000*fixed.Scale)

	err := p.mint(user, "sOIL", 100*fixed.Scale)
	if !errors.Is(err, ledger.ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}

	s := p.summary(user)
	if s.DebtShares != 0 || s.TotalDebtShares != 0 {
		t.Fatalf("balances touched by failed mint: %+v", s)
	}
}

// --- Scenario D: burn with zero global debt ---

func TestBurnWithZeroGlobalDebt(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.register("sGOLD", "GOLD")
	p.setPrice("SNX", 10*fixed.Scale)
	p.setPrice("GOLD", 20*fixed.Scale)
	p.stake(user, 1000*fixed.Scale)

	err := p.burn(user, 1, 10*fixed.Scale)
	if !errors.Is(err, engine.ErrInsufficientSharesOrBalance) {
		t.Fatalf("expected ErrInsufficientSharesOrBalance, got %v", err)
	}
}

// --- Round-trip: mint then burn restores share balances exactly ---

func TestMintBurnRoundTrip(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.register("sGOLD", "GOLD")
	p.setPrice("SNX", 10*fixed.Scale)
	p.setPrice("GOLD", 20*fixed.Scale)
	p.stake(user, 1000*fixed.Scale)
	if err := p.mint(user, "sGOLD", 100*fixed.Scale); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := p.burn(user, 1, 100*fixed.Scale); err != nil {
		t.Fatalf("burn: %v", err)
	}

	s := p.summary(user)
	if s.DebtShares != 0 {
		t.Fatalf("user shares after round trip = %d, want 0", s.DebtShares)
	}
	if s.TotalDebtShares != 0 {
		t.Fatalf("total shares after round trip = %d, want 0", s.TotalDebtShares)
	}
	if s.GlobalDebt != 0 {
		t.Fatalf("global debt after round trip = %d, want 0", s.GlobalDebt)
	}
}

// --- Proportional dilution across two users ---

func TestTwoUserProportionalShares(t *testing.T) {
	p := newTestPool(t)
	alice, bob := uuid.New(), uuid.New()

	p.register("sGOLD", "GOLD")
	p.setPrice("SNX", 10*fixed.Scale)
	p.setPrice("GOLD", 20*fixed.Scale)

	p.stake(alice, 1000*fixed.Scale)
	p.stake(bob, 1000*fixed.Scale)

	if err := p.mint(alice, "sGOLD", 100*fixed.Scale); err != nil {
		t.Fatalf("alice mint: %v", err)
	}
	// Bob mints the same debt value against global debt 2000: shares
	// issued = 100 * 2000 / 2000 = 100, halving alice's slice.
	if err := p.mint(bob, "sGOLD", 100*fixed.Scale); err != nil {
		t.Fatalf("bob mint: %v", err)
	}

	a, b := p.summary(alice), p.summary(bob)
	if a.DebtShares != b.DebtShares {
		t.Fatalf("equal mints should hold equal shares: alice=%d bob=%d", a.DebtShares, b.DebtShares)
	}
	if a.TotalDebtShares != 2*engine.SeedShares {
		t.Fatalf("total shares = %d, want %d", a.TotalDebtShares, 2*engine.SeedShares)
	}
	if a.GlobalDebt != 4000*fixed.Scale {
		t.Fatalf("global debt = %d", a.GlobalDebt)
	}
}

// --- Unstake ---

func TestUnstakeWithinLimits(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.setPrice("SNX", 10*fixed.Scale)
	p.stake(user, 1000*fixed.Scale)

	if err := p.unstake(user, 400*fixed.Scale); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if s := p.summary(user); s.Collateral != 600*fixed.Scale {
		t.Fatalf("collateral = %d, want %d", s.Collateral, 600*fixed.Scale)
	}
}

func TestUnstakeBreachingThresholdRollsBack(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.register("sGOLD", "GOLD")
	p.setPrice("SNX", 10*fixed.Scale)
	p.setPrice("GOLD", 20*fixed.Scale)
	p.stake(user, 1000*fixed.Scale)
	p.mint(user, "sGOLD", 100*fixed.Scale)

	// Collateral value must stay >= 2x the 2000 debt. Withdrawing 700
	// leaves value 3000 < 4000.
	err := p.unstake(user, 700*fixed.Scale)
	if !errors.Is(err, engine.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if s := p.summary(user); s.Collateral != 1000*fixed.Scale {
		t.Fatalf("failed unstake mutated collateral: %d", s.Collateral)
	}

	// Withdrawing 500 leaves value 5000 >= 4000.
	if err := p.unstake(user, 500*fixed.Scale); err != nil {
		t.Fatalf("unstake within limits: %v", err)
	}
}

func TestUnstakeExceedingBalance(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.setPrice("SNX", 10*fixed.Scale)
	p.stake(user, 100*fixed.Scale)

	err := p.unstake(user, 200*fixed.Scale)
	if !errors.Is(err, engine.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
}

// --- Unknown users must not materialize records ---

func TestOperationsOnUnknownUser(t *testing.T) {
	p := newTestPool(t)
	stranger := uuid.New()

	p.register("sGOLD", "GOLD")
	p.setPrice("SNX", 10*fixed.Scale)
	p.setPrice("GOLD", 20*fixed.Scale)

	if err := p.mint(stranger, "sGOLD", fixed.Scale); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Fatalf("mint: expected ErrUserNotFound, got %v", err)
	}
	if err := p.unstake(stranger, fixed.Scale); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Fatalf("unstake: expected ErrUserNotFound, got %v", err)
	}
	if err := p.burn(stranger, 1, fixed.Scale); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Fatalf("burn: expected ErrUserNotFound, got %v", err)
	}

	if _, err := p.engine.UserSummary(stranger); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Fatalf("summary: expected ErrUserNotFound, got %v", err)
	}
}

func TestUnknownUserTakesPrecedenceOverUnknownAsset(t *testing.T) {
	p := newTestPool(t)
	stranger := uuid.New()

	p.setPrice("SNX", 10*fixed.Scale)

	// Nothing listed and no stake: both lookups would fail, and the
	// user error wins.
	if err := p.mint(stranger, "sOIL", fixed.Scale); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Fatalf("mint: expected ErrUserNotFound, got %v", err)
	}
	if err := p.burn(stranger, 9, fixed.Scale); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Fatalf("burn: expected ErrUserNotFound, got %v", err)
	}
}

// --- Missing prices block the pool ---

func TestMintWithoutAssetPrice(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.register("sGOLD", "GOLD")
	p.setPrice("SNX", 10*fixed.Scale)
	p.stake(user, 1000*fixed.Scale)

	err := p.mint(user, "sGOLD", 100*fixed.Scale)
	if !errors.Is(err, engine.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestUnpricedAssetBlocksWholePool(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.register("sGOLD", "GOLD")
	p.setPrice("SNX", 10*fixed.Scale)
	p.setPrice("GOLD", 20*fixed.Scale)
	p.stake(user, 1000*fixed.Scale)
	p.mint(user, "sGOLD", 100*fixed.Scale)

	// A second listed asset without a quote makes global debt, and
	// therefore every debt-touching operation, uncomputable.
	p.register("sOIL", "OIL")

	err := p.mint(user, "sGOLD", fixed.Scale)
	if !errors.Is(err, engine.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if _, err := p.engine.ComputeGlobalDebt(); !errors.Is(err, engine.ErrPriceUnavailable) {
		t.Fatalf("global debt: expected ErrPriceUnavailable, got %v", err)
	}
}

// --- Registration ---

func TestRegisterDuplicateSymbol(t *testing.T) {
	p := newTestPool(t)

	if err := p.register("sGOLD", "GOLD"); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := p.register("sGOLD", "GOLD")
	if !errors.Is(err, ledger.ErrAssetAlreadyRegistered) {
		t.Fatalf("expected ErrAssetAlreadyRegistered, got %v", err)
	}
}

// --- Idempotency and ordering ---

func TestDuplicateCommandSkipped(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.setPrice("SNX", 10*fixed.Scale)

	cmd := &command.Stake{
		CommandID:   uuid.New(),
		UserID:      user,
		Amount:      100 * fixed.Scale,
		Sequence:    0,
		TimestampUs: 1_000_000,
	}
	if err := p.engine.ProcessCommand(cmd); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Redelivery with the same command ID and sequence is a no-op.
	if err := p.engine.ProcessCommand(cmd); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if s := p.summary(user); s.Collateral != 100*fixed.Scale {
		t.Fatalf("duplicate applied twice: collateral = %d", s.Collateral)
	}
}

func TestIdempotencyLRUCapacityBoundsDedupWindow(t *testing.T) {
	persistChan := make(chan engine.Output, 16)
	projChan := make(chan engine.Output, 16)
	e := engine.NewDebtEngine(0, testCollateral, testThreshold, 1, persistChan, projChan, nil, nil)

	user := uuid.New()
	first := &command.Stake{CommandID: uuid.New(), UserID: user, Amount: 100 * fixed.Scale, Sequence: 0, TimestampUs: 1_000_000}
	second := &command.Stake{CommandID: uuid.New(), UserID: user, Amount: 50 * fixed.Scale, Sequence: 1, TimestampUs: 1_001_000}

	if err := e.ProcessCommand(first); err != nil {
		t.Fatalf("first: %v", err)
	}
	// The single-slot LRU evicts the first key here.
	if err := e.ProcessCommand(second); err != nil {
		t.Fatalf("second: %v", err)
	}

	// The redelivered first command is outside the dedup window, so the
	// sequence validator sees a brand-new out-of-order command and
	// rejects it instead of silently skipping a duplicate.
	if err := e.ProcessCommand(first); err == nil {
		t.Fatal("expected out-of-order rejection once the key left the dedup window")
	}
}

func TestSequenceGapRejected(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	err := p.engine.ProcessCommand(&command.Stake{
		CommandID:   uuid.New(),
		UserID:      user,
		Amount:      100 * fixed.Scale,
		Sequence:    5, // expected 0
		TimestampUs: 1_000_000,
	})
	if err == nil {
		t.Fatal("expected sequence gap rejection")
	}
}

func TestStalePriceUpdateIgnored(t *testing.T) {
	p := newTestPool(t)

	p.engine.ProcessCommand(&command.PriceUpdate{AssetID: "SNX", Price: 10 * fixed.Scale, PriceSequence: 5, PriceTimestamp: 5000})
	// Older sequence must not clobber the newer quote.
	p.engine.ProcessCommand(&command.PriceUpdate{AssetID: "SNX", Price: 7 * fixed.Scale, PriceSequence: 3, PriceTimestamp: 3000})

	price, err := p.engine.AssetPrice("SNX")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 10*fixed.Scale {
		t.Fatalf("stale update applied: price = %d", price)
	}
}

func TestPriceGapTolerated(t *testing.T) {
	p := newTestPool(t)

	p.engine.ProcessCommand(&command.PriceUpdate{AssetID: "SNX", Price: 10 * fixed.Scale, PriceSequence: 1, PriceTimestamp: 1000})
	if err := p.engine.ProcessCommand(&command.PriceUpdate{AssetID: "SNX", Price: 11 * fixed.Scale, PriceSequence: 9, PriceTimestamp: 9000}); err != nil {
		t.Fatalf("gapped price update rejected: %v", err)
	}

	price, _ := p.engine.AssetPrice("SNX")
	if price != 11*fixed.Scale {
		t.Fatalf("price = %d", price)
	}
}

// --- Envelope chain ---

func TestStateHashChain(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.setPrice("SNX", 10*fixed.Scale)
	p.stake(user, 100*fixed.Scale)
	p.stake(user, 50*fixed.Scale)

	var outputs []engine.Output
	for len(p.persistChan) > 0 {
		outputs = append(outputs, <-p.persistChan)
	}
	if len(outputs) != 3 {
		t.Fatalf("expected 3 persisted outputs, got %d", len(outputs))
	}

	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Fatalf("hash chain broken between seq %d and %d",
				outputs[i-1].Envelope.Sequence, outputs[i].Envelope.Sequence)
		}
		if outputs[i].Envelope.Sequence != outputs[i-1].Envelope.Sequence+1 {
			t.Fatalf("sequence not contiguous")
		}
	}
}

// --- Snapshot restore ---

func TestSnapshotRestore(t *testing.T) {
	p := newTestPool(t)
	user := uuid.New()

	p.register("sGOLD", "GOLD")
	p.setPrice("SNX", 10*fixed.Scale)
	p.setPrice("GOLD", 20*fixed.Scale)
	p.stake(user, 1000*fixed.Scale)
	p.mint(user, "sGOLD", 100*fixed.Scale)

	snap := p.engine.CreateSnapshotState()

	restored := newTestPool(t)
	if err := restored.engine.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	s, err := restored.engine.UserSummary(user)
	if err != nil {
		t.Fatalf("restored summary: %v", err)
	}
	if s.Collateral != 1000*fixed.Scale || s.DebtShares != engine.SeedShares {
		t.Fatalf("restored state mismatch: %+v", s)
	}
	if s.GlobalDebt != 2000*fixed.Scale {
		t.Fatalf("restored global debt = %d", s.GlobalDebt)
	}
	if restored.engine.GetSequence() != snap.Sequence+1 {
		t.Fatalf("restored sequence = %d", restored.engine.GetSequence())
	}
	if restored.engine.GetStateHash() != p.engine.GetStateHash() {
		t.Fatal("restored hash chain tip differs")
	}

	// The restored engine keeps processing from where the original
	// stopped, including burn of the pre-snapshot position.
	restored.seqs = p.seqs
	restored.priceSeqs = p.priceSeqs
	if err := restored.burn(user, 1, 100*fixed.Scale); err != nil {
		t.Fatalf("burn after restore: %v", err)
	}
	if s := restored.summary(user); s.TotalDebtShares != 0 {
		t.Fatalf("shares after post-restore burn = %d", s.TotalDebtShares)
	}
}
