package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Alert mirrors the alerts table, spec §3.1.
type Alert struct {
	AlertID                   string
	UserID                    string
	Name                      string
	AlertType                 string
	Priority                  string
	Status                    string
	ConditionConfig           string // opaque JSON, decoded by internal/evaluator
	NotificationChannels      []string
	EvaluationIntervalSeconds int
	CooldownSeconds           int
	MaxTriggersPerDay         *int
	TriggerCount              int
	LastTriggeredAt           *int64
	LastEvaluatedAt           *int64
	CreatedAt                 int64
}

// AlertEvent mirrors the alert_events table, spec §3.1.
type AlertEvent struct {
	EventID             string
	AlertID             string
	TriggeredAt         int64
	EvaluationResult    string
	NotificationResults string
}

// AlertStore is the alerts-database repository consumed by C2 (spec §4.5,
// §6.2): read-modify-write on alerts, append-only alert_events.
type AlertStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAlertStore wraps the alerts database connection.
func NewAlertStore(db *sql.DB, log zerolog.Logger) *AlertStore {
	return &AlertStore{db: db, log: log.With().Str("store", "alerts").Logger()}
}

// DueAlerts returns up to limit active alerts at priority p that are due for
// evaluation, ordered per spec §4.5 step 1:
// COALESCE(last_evaluated_at, 0) ASC, created_at ASC.
func (s *AlertStore) DueAlerts(ctx context.Context, priority string, limit int, now int64) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, user_id, name, alert_type, priority, status, condition_config,
			notification_channels, evaluation_interval_seconds, cooldown_seconds,
			max_triggers_per_day, trigger_count, last_triggered_at, last_evaluated_at, created_at
		FROM alerts
		WHERE status = 'active' AND priority = ?
			AND (last_evaluated_at IS NULL OR last_evaluated_at + evaluation_interval_seconds < ?)
		ORDER BY COALESCE(last_evaluated_at, 0) ASC, created_at ASC
		LIMIT ?
	`, priority, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due alerts for priority %s: %w", priority, err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, channelsJSON, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		a.NotificationChannels = decodeChannels(channelsJSON)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlert(rows *sql.Rows) (Alert, string, error) {
	var a Alert
	var channelsJSON string
	err := rows.Scan(
		&a.AlertID, &a.UserID, &a.Name, &a.AlertType, &a.Priority, &a.Status, &a.ConditionConfig,
		&channelsJSON, &a.EvaluationIntervalSeconds, &a.CooldownSeconds,
		&a.MaxTriggersPerDay, &a.TriggerCount, &a.LastTriggeredAt, &a.LastEvaluatedAt, &a.CreatedAt,
	)
	if err != nil {
		return Alert{}, "", fmt.Errorf("scan alert: %w", err)
	}
	return a, channelsJSON, nil
}

func decodeChannels(channelsJSON string) []string {
	var channels []string
	_ = json.Unmarshal([]byte(channelsJSON), &channels)
	return channels
}

// MarkEvaluated sets last_evaluated_at unconditionally, spec §4.5 step 2.
func (s *AlertStore) MarkEvaluated(ctx context.Context, alertID string, now int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET last_evaluated_at = ? WHERE alert_id = ?`, now, alertID)
	if err != nil {
		return fmt.Errorf("mark alert %s evaluated: %w", alertID, err)
	}
	return nil
}

// CountEventsSince counts alert_events for alertID with triggered_at >= since,
// used for the daily-cap gate, spec §4.5 step 5.
func (s *AlertStore) CountEventsSince(ctx context.Context, alertID string, since int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alert_events WHERE alert_id = ? AND triggered_at >= ?
	`, alertID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events for alert %s: %w", alertID, err)
	}
	return count, nil
}

// RecordTrigger inserts the alert_events row and bumps trigger_count/
// last_triggered_at on the alert, spec §4.5 step 6.
func (s *AlertStore) RecordTrigger(ctx context.Context, alertID string, now int64, evaluationResultJSON, notificationResultsJSON string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trigger record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	eventID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO alert_events (event_id, alert_id, triggered_at, evaluation_result, notification_results)
		VALUES (?, ?, ?, ?, ?)
	`, eventID, alertID, now, evaluationResultJSON, notificationResultsJSON)
	if err != nil {
		return fmt.Errorf("insert alert_event for %s: %w", alertID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE alerts SET trigger_count = trigger_count + 1, last_triggered_at = ? WHERE alert_id = ?
	`, now, alertID)
	if err != nil {
		return fmt.Errorf("bump trigger_count for %s: %w", alertID, err)
	}

	return tx.Commit()
}

// NowUnix is split out so tests can stub time without a clock dependency
// injected throughout the call chain.
func NowUnix() int64 { return time.Now().Unix() }
