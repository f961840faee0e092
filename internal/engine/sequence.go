package engine

import (
	"fmt"

	"SynthPool/internal/observability"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe — only accessed from the single-threaded engine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
	prom            *observability.Metrics
}

func NewSequenceValidator(prom *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
		prom:            prom,
	}
}

// ValidateSequence checks source sequence ordering. User and registry
// partitions are strict: no gaps, no reordering.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			// Already processed
			return nil
		}
		// Out-of-order delivery of a NEW command
		sv.metrics.RecordOutOfOrder(partition)
		if sv.prom != nil {
			sv.prom.CommandOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order command: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	// sourceSequence > expected - gap detected
	sv.metrics.RecordGap(partition, expected, sourceSequence)
	if sv.prom != nil {
		sv.prom.CommandSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidatePriceSequence validates price feed ordering. Gaps are tolerated
// (the feed only promises monotonicity); stale updates report apply=false
// and are silently dropped by the caller.
func (sv *SequenceValidator) ValidatePriceSequence(
	assetID string,
	priceSequence int64,
) (apply bool) {
	partition := fmt.Sprintf("price:%s", assetID)

	expected := sv.expectedNextSeq[partition]

	if priceSequence <= expected {
		// Stale - silently ignore (idempotent)
		return false
	}

	if priceSequence > expected+1 {
		// Gap detected - record but accept
		sv.metrics.RecordPriceGap(assetID, expected, priceSequence)
		if sv.prom != nil {
			sv.prom.PriceSequenceGap.WithLabelValues(assetID).Inc()
		}
	}

	sv.expectedNextSeq[partition] = priceSequence

	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of the per-partition sequence state.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for partition, seq := range sv.expectedNextSeq {
		out[partition] = seq
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed from the single-threaded engine.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
	priceGaps  map[string]int64 // asset_id -> price gap count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		priceGaps:  make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(assetID string, expected, got int64) {
	m.priceGaps[assetID]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps(assetID string) int64 {
	return m.priceGaps[assetID]
}
