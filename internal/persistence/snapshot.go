package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for
// recovery: user records, the asset registry, token supplies, price
// quotes, sequence counters, idempotency keys, and the hash chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64               `json:"sequence"`
	StateHash       []byte              `json:"state_hash"`
	Users           []UserSnapshot      `json:"users"`
	Assets          []AssetSnapshot     `json:"assets"`
	Supplies        map[uint32]int64    `json:"supplies"`     // token_id -> circulating
	NextTokenID     uint32              `json:"next_token_id"`
	Quotes          map[string]QuoteSnap `json:"quotes"`      // asset_id -> quote
	SequenceState   map[string]int64    `json:"sequence_state"` // partition -> next expected seq
	IdempotencyKeys []string            `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time           `json:"created_at"`
}

// UserSnapshot is a serializable user record, in arena creation order.
type UserSnapshot struct {
	UserID     string `json:"user_id"`
	Collateral int64  `json:"collateral"`
	DebtShares int64  `json:"debt_shares"`
}

// AssetSnapshot is a serializable registry listing.
type AssetSnapshot struct {
	Symbol     string `json:"symbol"`
	Underlying string `json:"underlying"`
	TokenID    uint32 `json:"token_id"`
}

// QuoteSnap is a serializable price observation.
type QuoteSnap struct {
	Price     int64 `json:"price"`
	Sequence  int64 `json:"sequence"`
	Timestamp int64 `json:"timestamp"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying operations from the snapshot
// sequence forward before being trusted for recovery.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO op_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, load the snapshot then replay operations from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM op_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE op_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadOperationsFrom loads operations from a given sequence for replay,
// both warm restart (from snapshot) and cold restart (from zero).
func (sm *SnapshotManager) LoadOperationsFrom(ctx context.Context, fromSequence int64, limit int) ([]OperationRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, symbol, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM op_log.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationRow
	for rows.Next() {
		var op OperationRow
		if err := rows.Scan(
			&op.Sequence, &op.CommandType, &op.IdempotencyKey, &op.Symbol,
			&op.Payload, &op.StateHash, &op.PrevHash, &op.Timestamp, &op.SourceSequence,
		); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

// GetLatestSequence returns the highest sequence in the op log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM op_log.operations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty op log
	}
	return seq.Int64, nil
}
