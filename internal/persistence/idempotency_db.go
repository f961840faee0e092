package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker implements DB-based deduplication
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks if a command exists in the Postgres op log
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM op_log.operations
        WHERE command_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, commandType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil // Not found - not a duplicate
	}

	if err != nil {
		return false, err // DB error
	}

	return true, nil // Found - is duplicate
}

// LoadRecentKeys returns the newest composite dedup keys for LRU warming.
func (pic *PostgresIdempotencyChecker) LoadRecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT command_type || ':' || idempotency_key
		FROM op_log.operations
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
