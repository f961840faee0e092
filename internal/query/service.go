package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"SynthPool/internal/fixed"
)

// Service provides read-only access to the projection tables. Every
// response carries as_of_sequence so callers can reason about
// staleness relative to the op log.
type Service struct {
	db              *sql.DB
	collateralAsset string
}

func NewService(db *sql.DB, collateralAsset string) *Service {
	return &Service{db: db, collateralAsset: collateralAsset}
}

// ErrNotFound is returned for queries against unknown users or assets.
var ErrNotFound = fmt.Errorf("not found")

// GetUserSummary assembles one user's position from the projections,
// deriving debt value and collateralization ratio at query time.
func (s *Service) GetUserSummary(ctx context.Context, userID uuid.UUID) (*UserSummaryResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var collateral, debtShares int64
	err = s.db.QueryRowContext(ctx, `
		SELECT collateral, debt_shares FROM projections.users WHERE user_id = $1
	`, userID).Scan(&collateral, &debtShares)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}

	var totalShares int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(debt_shares), 0) FROM projections.users
	`).Scan(&totalShares); err != nil {
		return nil, err
	}

	globalDebt, _, err := s.globalDebt(ctx)
	if err != nil {
		return nil, err
	}

	resp := &UserSummaryResponse{
		UserID:          userID,
		Collateral:      collateral,
		DebtShares:      debtShares,
		TotalDebtShares: totalShares,
		GlobalDebt:      globalDebt,
		AsOfSequence:    asOfSeq,
	}

	if debtShares > 0 && totalShares > 0 {
		resp.DebtValue = fixed.MulDiv(globalDebt, debtShares, totalShares)
	}

	if price, err := s.collateralPrice(ctx); err == nil {
		resp.CollateralValue = fixed.Value(collateral, price)
		if resp.DebtValue > 0 {
			resp.CollateralizationRatio = fixed.Ratio(resp.CollateralValue, resp.DebtValue)
		}
	}

	return resp, nil
}

// GetGlobalDebt returns the pool-wide debt aggregation with per-asset
// components. Unpriced assets report a zero price and zero debt value;
// the engine is the authority on whether the pool is operable.
func (s *Service) GetGlobalDebt(ctx context.Context) (*GlobalDebtResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	globalDebt, components, err := s.globalDebt(ctx)
	if err != nil {
		return nil, err
	}

	var totalShares int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(debt_shares), 0) FROM projections.users
	`).Scan(&totalShares); err != nil {
		return nil, err
	}

	return &GlobalDebtResponse{
		GlobalDebt:      globalDebt,
		TotalDebtShares: totalShares,
		Assets:          components,
		AsOfSequence:    asOfSeq,
	}, nil
}

// ListAssets returns every listed synthetic asset.
func (s *Service) ListAssets(ctx context.Context) ([]AssetResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, underlying, token_id, circulating
		FROM projections.assets
		ORDER BY symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []AssetResponse
	for rows.Next() {
		var a AssetResponse
		a.AsOfSequence = asOfSeq
		if err := rows.Scan(&a.Symbol, &a.Underlying, &a.TokenID, &a.Circulating); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}

	return assets, rows.Err()
}

// GetPrice returns the latest projected quote for one asset.
func (s *Service) GetPrice(ctx context.Context, assetID string) (*PriceResponse, error) {
	var p PriceResponse
	err := s.db.QueryRowContext(ctx, `
		SELECT asset_id, price, oracle_sequence, oracle_timestamp
		FROM projections.prices
		WHERE asset_id = $1
	`, assetID).Scan(&p.AssetID, &p.Price, &p.OracleSequence, &p.OracleTimestamp)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no quote for %s", ErrNotFound, assetID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetIssuanceHistory returns a user's stake/unstake/mint/burn records,
// newest first, with cursor pagination on sequence.
func (s *Service) GetIssuanceHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]IssuanceHistoryEntry, error) {
	query := `
		SELECT sequence, user_id, command_type, symbol, amount, timestamp
		FROM projections.issuance_history
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []IssuanceHistoryEntry
	for rows.Next() {
		var e IssuanceHistoryEntry
		if err := rows.Scan(&e.Sequence, &e.UserID, &e.CommandType, &e.Symbol, &e.Amount, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity in the op log and the
// shares conservation invariant across the user projections.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.operations o1
		JOIN op_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash != o2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Per-user debt share deltas must net to the total_debt_shares
	// movements recorded in the op log.
	var imbalance int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN account LIKE 'user:%:debt_shares' THEN amount ELSE -amount END), 0)
		FROM op_log.deltas
		WHERE account LIKE 'user:%:debt_shares' OR account = 'total_debt_shares'
	`).Scan(&imbalance)
	if err != nil {
		return nil, err
	}
	if imbalance != 0 {
		report.SharesImbalance = &imbalance
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && imbalance == 0
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT applied_sequence FROM projections.progress WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// globalDebt sums price x circulating over the projected assets.
func (s *Service) globalDebt(ctx context.Context) (int64, []AssetDebtComponent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.symbol, a.underlying, a.token_id, a.circulating, COALESCE(p.price, 0)
		FROM projections.assets a
		LEFT JOIN projections.prices p ON p.asset_id = a.underlying
		ORDER BY a.symbol
	`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var total int64
	var components []AssetDebtComponent
	for rows.Next() {
		var c AssetDebtComponent
		if err := rows.Scan(&c.Symbol, &c.Underlying, &c.TokenID, &c.Circulating, &c.Price); err != nil {
			return 0, nil, err
		}
		if c.Price > 0 {
			c.DebtValue = fixed.Value(c.Circulating, c.Price)
		}
		total += c.DebtValue
		components = append(components, c)
	}

	return total, components, rows.Err()
}

func (s *Service) collateralPrice(ctx context.Context) (int64, error) {
	// The collateral asset's quote is projected like any other
	var price int64
	err := s.db.QueryRowContext(ctx, `
		SELECT price FROM projections.prices WHERE asset_id = $1
	`, s.collateralAsset).Scan(&price)
	return price, err
}
