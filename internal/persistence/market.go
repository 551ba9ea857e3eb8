// Package persistence implements the L1 persistence adapter (spec §6.2):
// upserts for strike rows, expiry metrics and underlying bars produced by
// the aggregator, plus the alert/notification/position stores consumed by
// C2 and C3. It is a thin repository layer over internal/database.DB,
// grounded on internal/modules/portfolio.PositionRepository's query/scan
// style.
package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nsefo/sentinel/internal/aggregator"
)

// MarketStore implements aggregator.Store plus the read-side query
// contracts spec §6.2 names for consumers (FetchStrikeRows,
// GetNextExpiries, ListExpiries).
type MarketStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMarketStore wraps the market database connection.
func NewMarketStore(db *sql.DB, log zerolog.Logger) *MarketStore {
	return &MarketStore{db: db, log: log.With().Str("store", "market").Logger()}
}

var _ aggregator.Store = (*MarketStore)(nil)

// UpsertStrikeRows writes rows keyed by (timeframe, symbol, expiry, strike, bucket_time).
func (s *MarketStore) UpsertStrikeRows(ctx context.Context, rows []aggregator.StrikeRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin strike row upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO strike_rows (
			timeframe, symbol, expiry, strike, bucket_time, underlying_close,
			call_iv, call_delta, call_gamma, call_theta, call_vega, call_volume, call_oi, call_count,
			put_iv, put_delta, put_gamma, put_theta, put_vega, put_volume, put_oi, put_count,
			liquidity_json
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(timeframe, symbol, expiry, strike, bucket_time) DO UPDATE SET
			underlying_close = excluded.underlying_close,
			call_iv = excluded.call_iv, call_delta = excluded.call_delta, call_gamma = excluded.call_gamma,
			call_theta = excluded.call_theta, call_vega = excluded.call_vega,
			call_volume = excluded.call_volume, call_oi = excluded.call_oi, call_count = excluded.call_count,
			put_iv = excluded.put_iv, put_delta = excluded.put_delta, put_gamma = excluded.put_gamma,
			put_theta = excluded.put_theta, put_vega = excluded.put_vega,
			put_volume = excluded.put_volume, put_oi = excluded.put_oi, put_count = excluded.put_count,
			liquidity_json = excluded.liquidity_json
	`)
	if err != nil {
		return fmt.Errorf("prepare strike row upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var liquidityJSON *string
		if r.Liquidity != nil {
			encoded, err := encodeLiquidity(r.Liquidity)
			if err != nil {
				return fmt.Errorf("encode liquidity for strike %v: %w", r.Strike, err)
			}
			liquidityJSON = &encoded
		}
		_, err := stmt.ExecContext(ctx,
			r.Timeframe, r.Symbol, r.Expiry, r.Strike, r.BucketTime, r.UnderlyingClose,
			r.Call.IV, r.Call.Delta, r.Call.Gamma, r.Call.Theta, r.Call.Vega, r.Call.Volume, r.Call.OI, r.Call.Count,
			r.Put.IV, r.Put.Delta, r.Put.Gamma, r.Put.Theta, r.Put.Vega, r.Put.Volume, r.Put.OI, r.Put.Count,
			liquidityJSON,
		)
		if err != nil {
			return fmt.Errorf("upsert strike row %s/%s/%v: %w", r.Symbol, r.Expiry, r.Strike, err)
		}
	}

	return tx.Commit()
}

// UpsertExpiryMetrics writes rows keyed by (timeframe, symbol, expiry, bucket_time).
func (s *MarketStore) UpsertExpiryMetrics(ctx context.Context, rows []aggregator.ExpiryMetricsRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin expiry metrics upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO expiry_metrics (
			timeframe, symbol, expiry, bucket_time, underlying_close,
			total_call_volume, total_put_volume, total_call_oi, total_put_oi, pcr, max_pain_strike
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(timeframe, symbol, expiry, bucket_time) DO UPDATE SET
			underlying_close = excluded.underlying_close,
			total_call_volume = excluded.total_call_volume,
			total_put_volume = excluded.total_put_volume,
			total_call_oi = excluded.total_call_oi,
			total_put_oi = excluded.total_put_oi,
			pcr = excluded.pcr,
			max_pain_strike = excluded.max_pain_strike
	`)
	if err != nil {
		return fmt.Errorf("prepare expiry metrics upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			r.Timeframe, r.Symbol, r.Expiry, r.BucketTime, r.UnderlyingClose,
			r.TotalCallVolume, r.TotalPutVolume, r.TotalCallOI, r.TotalPutOI, r.PCR, r.MaxPainStrike,
		)
		if err != nil {
			return fmt.Errorf("upsert expiry metrics %s/%s: %w", r.Symbol, r.Expiry, err)
		}
	}

	return tx.Commit()
}

// UpsertUnderlyingBars writes rows keyed by (symbol, timeframe, time).
func (s *MarketStore) UpsertUnderlyingBars(ctx context.Context, rows []aggregator.UnderlyingBarRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin underlying bar upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO underlying_bars (symbol, timeframe, time, open, high, low, close, volume)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol, timeframe, time) DO UPDATE SET
			high = MAX(underlying_bars.high, excluded.high),
			low = MIN(underlying_bars.low, excluded.low),
			close = excluded.close,
			volume = excluded.volume
	`)
	if err != nil {
		return fmt.Errorf("prepare underlying bar upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx, r.Symbol, r.Timeframe, r.Time, r.Open, r.High, r.Low, r.Close, r.Volume)
		if err != nil {
			return fmt.Errorf("upsert underlying bar %s/%s: %w", r.Symbol, r.Timeframe, err)
		}
	}

	return tx.Commit()
}

// FetchStrikeRows returns persisted strike rows for symbol/timeframe across
// the given expiries, optionally bounded to [fromTime, toTime] (0 means
// unbounded on that side).
func (s *MarketStore) FetchStrikeRows(ctx context.Context, symbol, timeframe string, expiries []string, fromTime, toTime int64) ([]aggregator.StrikeRow, error) {
	if len(expiries) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(expiries)*2)
	args := []interface{}{symbol, timeframe}
	for i, e := range expiries {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, e)
	}
	query := fmt.Sprintf(`SELECT timeframe, symbol, expiry, strike, bucket_time, underlying_close,
		call_iv, call_delta, call_gamma, call_theta, call_vega, call_volume, call_oi, call_count,
		put_iv, put_delta, put_gamma, put_theta, put_vega, put_volume, put_oi, put_count
		FROM strike_rows WHERE symbol = ? AND timeframe = ? AND expiry IN (%s)`, string(placeholders))
	if fromTime > 0 {
		query += " AND bucket_time >= ?"
		args = append(args, fromTime)
	}
	if toTime > 0 {
		query += " AND bucket_time <= ?"
		args = append(args, toTime)
	}
	query += " ORDER BY bucket_time ASC, strike ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch strike rows: %w", err)
	}
	defer rows.Close()

	var out []aggregator.StrikeRow
	for rows.Next() {
		var r aggregator.StrikeRow
		if err := rows.Scan(
			&r.Timeframe, &r.Symbol, &r.Expiry, &r.Strike, &r.BucketTime, &r.UnderlyingClose,
			&r.Call.IV, &r.Call.Delta, &r.Call.Gamma, &r.Call.Theta, &r.Call.Vega, &r.Call.Volume, &r.Call.OI, &r.Call.Count,
			&r.Put.IV, &r.Put.Delta, &r.Put.Gamma, &r.Put.Theta, &r.Put.Vega, &r.Put.Volume, &r.Put.OI, &r.Put.Count,
		); err != nil {
			return nil, fmt.Errorf("scan strike row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FetchUnderlyingBars returns the most recent `limit` underlying bars for
// symbol/timeframe, ordered ascending by time, for local indicator
// computation (spec §4.4's indicator condition, when no external analytics
// endpoint is configured).
func (s *MarketStore) FetchUnderlyingBars(ctx context.Context, symbol, timeframe string, limit int) ([]aggregator.UnderlyingBarRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timeframe, time, open, high, low, close, volume
		FROM underlying_bars WHERE symbol = ? AND timeframe = ?
		ORDER BY time DESC LIMIT ?
	`, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch underlying bars for %s/%s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var out []aggregator.UnderlyingBarRow
	for rows.Next() {
		var r aggregator.UnderlyingBarRow
		if err := rows.Scan(&r.Symbol, &r.Timeframe, &r.Time, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume); err != nil {
			return nil, fmt.Errorf("scan underlying bar: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetNextExpiries returns the next `limit` distinct expiries for symbol,
// ordered ascending, starting from the earliest expiry still present.
func (s *MarketStore) GetNextExpiries(ctx context.Context, symbol string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT expiry FROM expiry_metrics WHERE symbol = ? ORDER BY expiry ASC LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("get next expiries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("scan expiry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListExpiries returns every distinct expiry on record for symbol.
func (s *MarketStore) ListExpiries(ctx context.Context, symbol string) ([]string, error) {
	return s.GetNextExpiries(ctx, symbol, -1)
}
