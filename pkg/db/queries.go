package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Queries wraps a Database with the engine's query set.
type Queries struct {
	db *sql.DB
}

// NewQueries builds a Queries over d.
func NewQueries(d *Database) *Queries {
	return &Queries{db: d.DB}
}

// ----------------------------------------
// Account roster
// ----------------------------------------

// UpsertAccount records the roster entry for an account (idempotent).
func (q *Queries) UpsertAccount(id, role, broker string) error {
	_, err := q.db.Exec(`
		INSERT INTO accounts (id, role, broker) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET role = excluded.role, broker = excluded.broker
	`, id, role, broker)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", id, err)
	}
	return nil
}

// ----------------------------------------
// Risk tier latch (implements risktier.TierStore)
// ----------------------------------------

// LoadTier returns the previously-latched tier for accountID, if any.
func (q *Queries) LoadTier(accountID string) (string, bool) {
	var tier string
	err := q.db.QueryRow(`SELECT tier FROM risk_tier_state WHERE account_id = ?`, accountID).Scan(&tier)
	if err != nil {
		return "", false
	}
	return tier, true
}

// SaveTier persists accountID's newly-latched tier.
func (q *Queries) SaveTier(accountID, tier string) error {
	_, err := q.db.Exec(`
		INSERT INTO risk_tier_state (account_id, tier, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id) DO UPDATE SET tier = excluded.tier, updated_at = CURRENT_TIMESTAMP
	`, accountID, tier)
	if err != nil {
		return fmt.Errorf("save tier for %s: %w", accountID, err)
	}
	return nil
}

// ----------------------------------------
// Trade audit log
// ----------------------------------------

// Trade is one queryable audit row, mirroring a fill already recorded in
// the append-only trade journal (internal/persist.Journal).
type Trade struct {
	ID        string
	AccountID string
	Symbol    string
	Side      string
	Price     float64
	Qty       float64
	Fee       float64
	Reason    string
	CreatedAt time.Time
}

// RecordTrade appends one audit row. Called alongside (never instead of)
// the journal append, so the journal remains the crash-safe source of
// truth and this table is a queryable, reconcilable mirror of it.
func (q *Queries) RecordTrade(t Trade) error {
	_, err := q.db.Exec(`
		INSERT INTO trades (id, account_id, symbol, side, price, qty, fee, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AccountID, t.Symbol, t.Side, t.Price, t.Qty, t.Fee, t.Reason)
	if err != nil {
		return fmt.Errorf("record trade %s: %w", t.ID, err)
	}
	return nil
}

// TradesByAccount returns the most recent n trades for accountID (0 means
// unlimited), newest first.
func (q *Queries) TradesByAccount(accountID string, n int) ([]Trade, error) {
	query := `SELECT id, account_id, symbol, side, price, qty, fee, COALESCE(reason, ''), created_at
		FROM trades WHERE account_id = ? ORDER BY created_at DESC`
	args := []any{accountID}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades for %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Symbol, &t.Side, &t.Price, &t.Qty, &t.Fee, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
