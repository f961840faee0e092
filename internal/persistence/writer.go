package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// OpLogWriter writes applied operations and their balance deltas to
// Postgres using multi-row INSERT batches. ON CONFLICT DO NOTHING makes
// the writes idempotent under replay.
type OpLogWriter struct {
	db *sql.DB
}

// execer abstracts *sql.DB and *sql.Tx so batches can run inside the
// worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// OperationRow represents a row in op_log.operations
type OperationRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Symbol         *string
	Payload        []byte // JSON-encoded command payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// DeltaRow represents a row in op_log.deltas
type DeltaRow struct {
	BatchID   string
	OpRef     string
	Sequence  int64
	Account   string
	Amount    int64
	Timestamp int64
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// WriteOperationBatch writes a batch of operations to op_log.operations.
func (w *OpLogWriter) WriteOperationBatch(ctx context.Context, exec execer, ops []OperationRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.operations
		(sequence, command_type, idempotency_key, symbol, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*9)

	for i, op := range ops {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			op.Sequence, op.CommandType, op.IdempotencyKey, op.Symbol,
			op.Payload, op.StateHash, op.PrevHash, op.Timestamp, op.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

// WriteDeltaBatch writes a batch of balance deltas to op_log.deltas.
func (w *OpLogWriter) WriteDeltaBatch(ctx context.Context, exec execer, deltas []DeltaRow) error {
	if len(deltas) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.deltas
		(batch_id, op_ref, sequence, account, amount, timestamp)
		VALUES `

	values := make([]string, 0, len(deltas))
	args := make([]interface{}, 0, len(deltas)*6)

	for i, d := range deltas {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			d.BatchID, d.OpRef, d.Sequence, d.Account, d.Amount, d.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, account) DO NOTHING"

	_, err := exec.ExecContext(ctx, query, args...)
	return err
}
