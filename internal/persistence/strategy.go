package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// StrategySettings mirrors the strategy_settings table, spec §3.1. Every flag
// defaults to false when a strategy has no row, per spec §4.8 step 2.
type StrategySettings struct {
	StrategyID              string
	AutoCleanupEnabled      bool
	CleanupSLOnExit         bool
	CleanupTargetOnExit     bool
	AllowOrphanedOrders     bool
	NotifyOnOrphanDetection bool
}

// DefaultStrategySettings returns the conservative all-disabled instance used
// when a strategy has never been configured.
func DefaultStrategySettings(strategyID string) StrategySettings {
	return StrategySettings{StrategyID: strategyID}
}

// StrategyStore is the strategy_settings repository within the settings database.
type StrategyStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStrategyStore wraps the settings database connection.
func NewStrategyStore(db *sql.DB, log zerolog.Logger) *StrategyStore {
	return &StrategyStore{db: db, log: log.With().Str("store", "strategy_settings").Logger()}
}

// Get returns the settings for strategyID, or the all-disabled default if absent.
func (s *StrategyStore) Get(ctx context.Context, strategyID string) (StrategySettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT auto_cleanup_enabled, cleanup_sl_on_exit, cleanup_target_on_exit,
			allow_orphaned_orders, notify_on_orphan_detection
		FROM strategy_settings WHERE strategy_id = ?
	`, strategyID)

	settings := DefaultStrategySettings(strategyID)
	err := row.Scan(&settings.AutoCleanupEnabled, &settings.CleanupSLOnExit, &settings.CleanupTargetOnExit,
		&settings.AllowOrphanedOrders, &settings.NotifyOnOrphanDetection)
	if err == sql.ErrNoRows {
		return DefaultStrategySettings(strategyID), nil
	}
	if err != nil {
		return StrategySettings{}, fmt.Errorf("get strategy settings for %s: %w", strategyID, err)
	}
	return settings, nil
}

// Upsert writes the given settings, used by the settings-change administration path.
func (s *StrategyStore) Upsert(ctx context.Context, settings StrategySettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_settings (
			strategy_id, auto_cleanup_enabled, cleanup_sl_on_exit, cleanup_target_on_exit,
			allow_orphaned_orders, notify_on_orphan_detection
		) VALUES (?,?,?,?,?,?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			auto_cleanup_enabled = excluded.auto_cleanup_enabled,
			cleanup_sl_on_exit = excluded.cleanup_sl_on_exit,
			cleanup_target_on_exit = excluded.cleanup_target_on_exit,
			allow_orphaned_orders = excluded.allow_orphaned_orders,
			notify_on_orphan_detection = excluded.notify_on_orphan_detection
	`, settings.StrategyID, settings.AutoCleanupEnabled, settings.CleanupSLOnExit, settings.CleanupTargetOnExit,
		settings.AllowOrphanedOrders, settings.NotifyOnOrphanDetection)
	if err != nil {
		return fmt.Errorf("upsert strategy settings for %s: %w", settings.StrategyID, err)
	}
	return nil
}
