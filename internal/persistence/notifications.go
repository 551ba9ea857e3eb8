package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NotificationPreferences mirrors the notification_preferences table, spec §3.1.
type NotificationPreferences struct {
	UserID                  string
	EnabledChannels         []string
	Recipients              map[string]string
	QuietHoursStart         *string // "HH:MM"
	QuietHoursEnd           *string
	QuietHoursTimezone      string
	QuietHoursPriorityFloor string
	MaxNotificationsPerHour int
	NotificationFormat      string
}

// DefaultPreferences returns the instance used when a user has no row, spec §4.6 step 1.
func DefaultPreferences(userID string) NotificationPreferences {
	return NotificationPreferences{
		UserID:                  userID,
		EnabledChannels:         nil,
		Recipients:              map[string]string{},
		QuietHoursTimezone:      "Asia/Kolkata",
		QuietHoursPriorityFloor: "critical",
		MaxNotificationsPerHour: 20,
		NotificationFormat:      "compact",
	}
}

// NotificationStore is the notification-side repository within the alerts
// database: preferences lookup and the append-only notification log.
type NotificationStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewNotificationStore wraps the alerts database connection.
func NewNotificationStore(db *sql.DB, log zerolog.Logger) *NotificationStore {
	return &NotificationStore{db: db, log: log.With().Str("store", "notifications").Logger()}
}

// GetPreferences returns the user's preferences, or the default instance if absent.
func (s *NotificationStore) GetPreferences(ctx context.Context, userID string) (NotificationPreferences, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT enabled_channels, recipients, quiet_hours_start, quiet_hours_end,
			quiet_hours_timezone, quiet_hours_priority_floor, max_notifications_per_hour, notification_format
		FROM notification_preferences WHERE user_id = ?
	`, userID)

	var channelsJSON, recipientsJSON string
	prefs := DefaultPreferences(userID)
	err := row.Scan(&channelsJSON, &recipientsJSON, &prefs.QuietHoursStart, &prefs.QuietHoursEnd,
		&prefs.QuietHoursTimezone, &prefs.QuietHoursPriorityFloor, &prefs.MaxNotificationsPerHour, &prefs.NotificationFormat)
	if err == sql.ErrNoRows {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return NotificationPreferences{}, fmt.Errorf("get preferences for %s: %w", userID, err)
	}

	_ = json.Unmarshal([]byte(channelsJSON), &prefs.EnabledChannels)
	_ = json.Unmarshal([]byte(recipientsJSON), &prefs.Recipients)
	return prefs, nil
}

// CountRecentNotifications counts notification_log rows for recipient in the
// last hour, the rate-limit gate's input, spec §4.6 step 3.
func (s *NotificationStore) CountRecentNotifications(ctx context.Context, recipient string, sinceUnix int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notification_log WHERE recipient = ? AND sent_at >= ?
	`, recipient, sinceUnix).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent notifications for %s: %w", recipient, err)
	}
	return count, nil
}

// LogEntry is one row appended to notification_log.
type LogEntry struct {
	UserID    string
	Recipient string
	Channel   string
	AlertID   string
	Message   string
	Success   bool
	Error     string
	SentAt    int64
}

// AppendLog appends a notification attempt; the log is append-only (spec §5).
func (s *NotificationStore) AppendLog(ctx context.Context, e LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_log (log_id, user_id, recipient, channel, alert_id, message, success, error, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), e.UserID, e.Recipient, e.Channel, e.AlertID, e.Message, e.Success, e.Error, e.SentAt)
	if err != nil {
		return fmt.Errorf("append notification log: %w", err)
	}
	return nil
}
