package notification

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsefo/sentinel/internal/evaluator"
	"github.com/nsefo/sentinel/internal/persistence"
	sentinelTesting "github.com/nsefo/sentinel/internal/testing"
)

type fakeProvider struct {
	name string
	sent []string
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Send(ctx context.Context, recipient, message, priority string, metadata map[string]interface{}) SendResult {
	p.sent = append(p.sent, message)
	return SendResult{Success: true, MessageID: "msg-1"}
}
func (p *fakeProvider) ValidateRecipient(recipient string) bool    { return recipient != "" }
func (p *fakeProvider) GetStatus(messageID string) (string, bool) { return "delivered", true }
func (p *fakeProvider) Close()                                    {}

func testAlert() persistence.Alert {
	return persistence.Alert{
		AlertID:              "alert-1",
		UserID:               "user-1",
		Name:                 "NIFTY above 24000",
		AlertType:            "price",
		Priority:             "high",
		NotificationChannels: []string{"telegram"},
	}
}

func TestSendDeliversToConfiguredChannel(t *testing.T) {
	db, cleanup := sentinelTesting.NewTestDB(t, "alerts")
	defer cleanup()

	_, err := db.Conn().Exec(`
		INSERT INTO notification_preferences (user_id, enabled_channels, recipients, quiet_hours_timezone, quiet_hours_priority_floor, max_notifications_per_hour, notification_format)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, "user-1", `["telegram"]`, `{"telegram":"12345"}`, "UTC", "critical", 20, "compact")
	require.NoError(t, err)

	store := persistence.NewNotificationStore(db.Conn(), zerolog.Nop())
	provider := &fakeProvider{name: "telegram"}
	svc := New(store, []Provider{provider}, zerolog.Nop())

	current := 24500.0
	result := evaluator.Result{Matched: true, CurrentValue: &current}
	results := svc.Send(context.Background(), testAlert(), result)

	require.Contains(t, results, "telegram")
	assert.True(t, results["telegram"].Success)
	assert.Len(t, provider.sent, 1)
}

func TestSendSkipsWhenRateLimited(t *testing.T) {
	db, cleanup := sentinelTesting.NewTestDB(t, "alerts")
	defer cleanup()

	_, err := db.Conn().Exec(`
		INSERT INTO notification_preferences (user_id, enabled_channels, recipients, quiet_hours_timezone, quiet_hours_priority_floor, max_notifications_per_hour, notification_format)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, "user-1", `["telegram"]`, `{"telegram":"12345"}`, "UTC", "critical", 1, "compact")
	require.NoError(t, err)

	now := time.Now().Unix()
	_, err = db.Conn().Exec(`
		INSERT INTO notification_log (log_id, user_id, recipient, channel, alert_id, message, success, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, "log-1", "user-1", "12345", "telegram", "alert-1", "earlier trigger", true, now)
	require.NoError(t, err)

	store := persistence.NewNotificationStore(db.Conn(), zerolog.Nop())
	provider := &fakeProvider{name: "telegram"}
	svc := New(store, []Provider{provider}, zerolog.Nop())

	results := svc.Send(context.Background(), testAlert(), evaluator.Result{Matched: true})

	assert.False(t, results["telegram"].Success)
	assert.Equal(t, "rate_limit", results["telegram"].Error)
	assert.Empty(t, provider.sent)
}

func TestSendSkipsDuringQuietHoursBelowPriorityFloor(t *testing.T) {
	db, cleanup := sentinelTesting.NewTestDB(t, "alerts")
	defer cleanup()

	_, err := db.Conn().Exec(`
		INSERT INTO notification_preferences (user_id, enabled_channels, recipients, quiet_hours_start, quiet_hours_end, quiet_hours_timezone, quiet_hours_priority_floor, max_notifications_per_hour, notification_format)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, "user-1", `["telegram"]`, `{"telegram":"12345"}`, "00:00", "23:59", "UTC", "critical", 20, "compact")
	require.NoError(t, err)

	store := persistence.NewNotificationStore(db.Conn(), zerolog.Nop())
	provider := &fakeProvider{name: "telegram"}
	svc := New(store, []Provider{provider}, zerolog.Nop())

	alert := testAlert()
	alert.Priority = "high"
	results := svc.Send(context.Background(), alert, evaluator.Result{Matched: true})

	assert.False(t, results["telegram"].Success)
	assert.Equal(t, "quiet_hours", results["telegram"].Error)
}

func TestFormatMessageVariants(t *testing.T) {
	current := 123.456
	threshold := 100.0
	in := messageInput{AlertName: "Test", Symbol: "NIFTY", CurrentValue: &current, Threshold: &threshold, Priority: "critical", Timezone: "UTC"}

	assert.Equal(t, "🔔 Test", formatMessage("minimal", in))
	assert.Contains(t, formatMessage("compact", in), "123.46")
	assert.Contains(t, formatMessage("rich", in), "🚨")
}
