package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PositionRow mirrors the positions table (warm-start snapshot cache), spec §3.2.
type PositionRow struct {
	AccountID     string
	TradingSymbol string
	Exchange      string
	Product       string
	Quantity      float64
	AveragePrice  float64
	LastPrice     float64
	PNL           float64
	DayPNL        float64
}

// OrderRow mirrors the local orders mirror table used by the cleanup worker.
type OrderRow struct {
	OrderID       string
	AccountID     string
	TradingSymbol string
	Exchange      string
	Product       string
	OrderType     string
	Status        string
	Quantity      float64
	StrategyID    string
	Variety       string
}

// PositionStore is the positions-database repository: the warm-start
// snapshot cache, the local order mirror, and the cleanup action log.
// Adapted from internal/modules/portfolio.PositionRepository's scan/query
// idiom, repurposed from ISIN-keyed equities rows to
// (tradingsymbol,exchange,product)-keyed derivatives rows.
type PositionStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionStore wraps the positions database connection.
func NewPositionStore(db *sql.DB, log zerolog.Logger) *PositionStore {
	return &PositionStore{db: db, log: log.With().Str("store", "positions").Logger()}
}

// ReplaceSnapshot atomically replaces the warm-start cache for accountID.
func (s *PositionStore) ReplaceSnapshot(ctx context.Context, accountID string, positions []PositionRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot replace for %s: %w", accountID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("clear snapshot for %s: %w", accountID, err)
	}

	now := time.Now().Unix()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (account_id, tradingsymbol, exchange, product, quantity, average_price, last_price, pnl, day_pnl, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx, accountID, p.TradingSymbol, p.Exchange, p.Product, p.Quantity, p.AveragePrice, p.LastPrice, p.PNL, p.DayPNL, now); err != nil {
			return fmt.Errorf("insert snapshot row %s: %w", p.TradingSymbol, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot returns the last warm-start snapshot for accountID, used to
// seed the in-memory position tracker on process restart.
func (s *PositionStore) LoadSnapshot(ctx context.Context, accountID string) ([]PositionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tradingsymbol, exchange, product, quantity, average_price, last_price, pnl, day_pnl
		FROM positions WHERE account_id = ?
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		p := PositionRow{AccountID: accountID}
		if err := rows.Scan(&p.TradingSymbol, &p.Exchange, &p.Product, &p.Quantity, &p.AveragePrice, &p.LastPrice, &p.PNL, &p.DayPNL); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertOrders mirrors the broker's current order book locally so the
// cleanup worker can find pending SL/SL-M orders without a broker round trip.
func (s *PositionStore) UpsertOrders(ctx context.Context, orders []OrderRow) error {
	if len(orders) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin order mirror upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orders (order_id, account_id, tradingsymbol, exchange, product, order_type, status, quantity, strategy_id, variety, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(order_id) DO UPDATE SET
			status = excluded.status, quantity = excluded.quantity, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare order mirror upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, o := range orders {
		if _, err := stmt.ExecContext(ctx, o.OrderID, o.AccountID, o.TradingSymbol, o.Exchange, o.Product, o.OrderType, o.Status, o.Quantity, o.StrategyID, o.Variety, now); err != nil {
			return fmt.Errorf("upsert order mirror %s: %w", o.OrderID, err)
		}
	}
	return tx.Commit()
}

// PendingOrdersFor returns pending SL/SL-M orders for the given position key, spec §4.8 step 1.
func (s *PositionStore) PendingOrdersFor(ctx context.Context, accountID, tradingSymbol, exchange, product string) ([]OrderRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, account_id, tradingsymbol, exchange, product, order_type, status, quantity, strategy_id, variety
		FROM orders
		WHERE account_id = ? AND tradingsymbol = ? AND exchange = ? AND product = ?
			AND order_type IN ('SL', 'SL-M')
			AND status IN ('PENDING', 'OPEN', 'TRIGGER PENDING')
	`, accountID, tradingSymbol, exchange, product)
	if err != nil {
		return nil, fmt.Errorf("fetch pending orders for %s: %w", tradingSymbol, err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var o OrderRow
		if err := rows.Scan(&o.OrderID, &o.AccountID, &o.TradingSymbol, &o.Exchange, &o.Product, &o.OrderType, &o.Status, &o.Quantity, &o.StrategyID, &o.Variety); err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOrderCancelled removes the locally mirrored order once cancellation succeeds.
func (s *PositionStore) MarkOrderCancelled(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE order_id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("mark order %s cancelled: %w", orderID, err)
	}
	return nil
}

// CleanupLogEntry is one row appended to order_cleanup_log, spec §4.8 step 4.
type CleanupLogEntry struct {
	AccountID     string
	TradingSymbol string
	Exchange      string
	Product       string
	OrderID       string
	OrderType     string
	EventType     string
	CleanupAction string // "cancelled" | "skipped"
	CleanupReason string
}

// AppendCleanupLog appends a cleanup decision; append-only (spec §5).
func (s *PositionStore) AppendCleanupLog(ctx context.Context, e CleanupLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_cleanup_log (log_id, account_id, tradingsymbol, exchange, product, order_id, order_type, event_type, cleanup_action, cleanup_reason, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, uuid.NewString(), e.AccountID, e.TradingSymbol, e.Exchange, e.Product, e.OrderID, e.OrderType, e.EventType, e.CleanupAction, e.CleanupReason, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("append cleanup log: %w", err)
	}
	return nil
}
