package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output mirrors the data projection workers need from an applied
// operation. The orchestrator bridges between engine.Output and this.
type Output struct {
	Sequence    int64
	CommandType string
	Symbol      *string
	Payload     []byte // JSON command payload from the envelope
	Deltas      []Delta
	Timestamp   time.Time
}

// Delta is one account movement from an applied operation.
type Delta struct {
	Account string
	Amount  int64
}

// Worker maintains the read-model tables from applied operations. The
// projection channel is non-blocking with drop; if the worker falls
// behind or drops an operation, Rebuild reconstructs everything from
// the op log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Output, log zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		log:       log,
		lastSeq:   -1,
	}
}

// Run starts the projection loop. Errors are logged and skipped:
// projections are eventually consistent and rebuildable.
//
// The loop seeds its watermark from projections.progress so operations
// re-emitted by a startup replay are not applied a second time: the
// per-account increments in applyDelta are not idempotent.
func (w *Worker) Run(ctx context.Context) error {
	if watermark, ok, err := w.loadWatermark(ctx); err != nil {
		w.log.Warn().Err(err).Msg("load projection watermark failed")
	} else if ok {
		w.lastSeq = watermark
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if w.shouldSkip(output.Sequence) {
				continue
			}

			if err := w.apply(ctx, output); err != nil {
				w.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}

			w.lastSeq = output.Sequence
		}
	}
}

// shouldSkip reports whether an operation is already reflected in the
// projections.
func (w *Worker) shouldSkip(sequence int64) bool {
	return sequence <= w.lastSeq
}

// loadWatermark reads the persisted progress row. ok is false on a cold
// start, where no operation has been projected yet and sequence zero
// must still be applied.
func (w *Worker) loadWatermark(ctx context.Context) (int64, bool, error) {
	var seq int64
	err := w.db.QueryRowContext(ctx, `
		SELECT applied_sequence FROM projections.progress WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

func (w *Worker) apply(ctx context.Context, output Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range output.Deltas {
		if err := w.applyDelta(ctx, tx, output.Sequence, d); err != nil {
			return fmt.Errorf("delta %s: %w", d.Account, err)
		}
	}

	switch output.CommandType {
	case "RegisterAsset":
		if err := w.applyRegistration(ctx, tx, output); err != nil {
			return fmt.Errorf("registration: %w", err)
		}
	case "PriceUpdate":
		if err := w.applyPrice(ctx, tx, output); err != nil {
			return fmt.Errorf("price: %w", err)
		}
	case "Stake", "Unstake", "Mint", "Burn":
		if err := w.appendHistory(ctx, tx, output); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.progress (worker_id, applied_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET applied_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("progress update: %w", err)
	}

	return tx.Commit()
}

// applyDelta routes an account movement to its projection table.
// Account paths: user:{id}:collateral, user:{id}:debt_shares,
// supply:{symbol}, total_debt_shares.
func (w *Worker) applyDelta(ctx context.Context, tx *sql.Tx, seq int64, d Delta) error {
	parts := strings.Split(d.Account, ":")
	switch {
	case len(parts) == 3 && parts[0] == "user" && parts[2] == "collateral":
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.users (user_id, collateral, debt_shares, updated_sequence)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				collateral = projections.users.collateral + $2,
				updated_sequence = $3,
				updated_at = NOW()
		`, parts[1], d.Amount, seq)
		return err

	case len(parts) == 3 && parts[0] == "user" && parts[2] == "debt_shares":
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.users (user_id, collateral, debt_shares, updated_sequence)
			VALUES ($1, 0, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				debt_shares = projections.users.debt_shares + $2,
				updated_sequence = $3,
				updated_at = NOW()
		`, parts[1], d.Amount, seq)
		return err

	case len(parts) == 2 && parts[0] == "supply":
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.assets SET
				circulating = circulating + $2,
				updated_sequence = $3,
				updated_at = NOW()
			WHERE symbol = $1
		`, parts[1], d.Amount, seq)
		return err

	case d.Account == "total_debt_shares":
		// Derived: sum of per-user debt_shares. Nothing to store.
		return nil

	default:
		return fmt.Errorf("unknown account path %q", d.Account)
	}
}

type registrationPayload struct {
	Symbol     string `json:"symbol"`
	Underlying string `json:"underlying"`
	TokenID    uint32 `json:"token_id"`
}

func (w *Worker) applyRegistration(ctx context.Context, tx *sql.Tx, output Output) error {
	var p registrationPayload
	if err := json.Unmarshal(output.Payload, &p); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.assets (symbol, underlying, token_id, circulating, updated_sequence)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (symbol) DO NOTHING
	`, p.Symbol, p.Underlying, p.TokenID, output.Sequence)
	return err
}

type pricePayload struct {
	AssetID          string `json:"asset_id"`
	Price            int64  `json:"price"`
	PriceSequence    int64  `json:"price_sequence"`
	PriceTimestampUs int64  `json:"price_timestamp_us"`
}

func (w *Worker) applyPrice(ctx context.Context, tx *sql.Tx, output Output) error {
	var p pricePayload
	if err := json.Unmarshal(output.Payload, &p); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.prices (asset_id, price, oracle_sequence, oracle_timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset_id) DO UPDATE SET
			price = $2,
			oracle_sequence = $3,
			oracle_timestamp = $4,
			updated_at = NOW()
		WHERE projections.prices.oracle_sequence < $3
	`, p.AssetID, p.Price, p.PriceSequence, p.PriceTimestampUs)
	return err
}

type historyPayload struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

func (w *Worker) appendHistory(ctx context.Context, tx *sql.Tx, output Output) error {
	var p historyPayload
	if err := json.Unmarshal(output.Payload, &p); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.issuance_history (sequence, user_id, command_type, symbol, amount, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence, user_id) DO NOTHING
	`, output.Sequence, p.UserID, output.CommandType, output.Symbol, p.Amount, output.Timestamp)
	return err
}

// Rebuild reconstructs every projection table by replaying the op log
// in sequence order. Used at startup after a gap and by the rebuild
// admin path.
func (w *Worker) Rebuild(ctx context.Context, batchSize int) error {
	start := time.Now()

	truncateStatements := []string{
		`TRUNCATE projections.users`,
		`TRUNCATE projections.assets`,
		`TRUNCATE projections.prices`,
		`TRUNCATE projections.issuance_history`,
		`DELETE FROM projections.progress WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	var from int64
	var total int
	for {
		outputs, err := w.loadOperations(ctx, from, batchSize)
		if err != nil {
			return fmt.Errorf("load operations from %d: %w", from, err)
		}
		if len(outputs) == 0 {
			break
		}

		for _, output := range outputs {
			if err := w.apply(ctx, output); err != nil {
				return fmt.Errorf("rebuild at seq %d: %w", output.Sequence, err)
			}
		}

		total += len(outputs)
		from = outputs[len(outputs)-1].Sequence + 1
		w.lastSeq = from - 1
	}

	w.log.Info().
		Int("operations", total).
		Dur("took", time.Since(start)).
		Msg("projection rebuild complete")
	return nil
}

func (w *Worker) loadOperations(ctx context.Context, from int64, limit int) ([]Output, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT o.sequence, o.command_type, o.symbol, o.payload, o.timestamp
		FROM op_log.operations o
		WHERE o.sequence >= $1
		ORDER BY o.sequence ASC
		LIMIT $2
	`, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []Output
	for rows.Next() {
		var out Output
		if err := rows.Scan(&out.Sequence, &out.CommandType, &out.Symbol, &out.Payload, &out.Timestamp); err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range outputs {
		deltas, err := w.loadDeltas(ctx, outputs[i].Sequence)
		if err != nil {
			return nil, err
		}
		outputs[i].Deltas = deltas
	}

	return outputs, nil
}

func (w *Worker) loadDeltas(ctx context.Context, sequence int64) ([]Delta, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT account, amount FROM op_log.deltas WHERE sequence = $1
	`, sequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deltas []Delta
	for rows.Next() {
		var d Delta
		if err := rows.Scan(&d.Account, &d.Amount); err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

// AppliedSequence returns the projection watermark, or zero when no
// operation has been projected yet.
func (w *Worker) AppliedSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `
		SELECT applied_sequence FROM projections.progress WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
