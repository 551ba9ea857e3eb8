package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsefo/sentinel/internal/evaluator"
	"github.com/nsefo/sentinel/internal/persistence"
)

// priorityRank orders priorities for the quiet-hours threshold comparison, spec §4.6 step 2.
var priorityRank = map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}

// ChannelResult mirrors the evaluation worker's NotifyResult so Service can
// be used as a worker.Notifier without an import cycle.
type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Service implements the notification gate chain of spec §4.6.
type Service struct {
	prefs     *persistence.NotificationStore
	providers map[string]Provider
	log       zerolog.Logger
}

// New builds a Service over the given channel providers, keyed by Provider.Name().
func New(prefs *persistence.NotificationStore, providers []Provider, log zerolog.Logger) *Service {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Service{prefs: prefs, providers: byName, log: log.With().Str("component", "notification_service").Logger()}
}

// Send implements the evaluation worker's Notifier contract: format and
// deliver alert to every resolved channel, gated by quiet hours and the
// hourly rate limit, logging every attempt.
func (s *Service) Send(ctx context.Context, alert persistence.Alert, result evaluator.Result) map[string]ChannelResult {
	prefs, err := s.prefs.GetPreferences(ctx, alert.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", alert.UserID).Msg("failed to load notification preferences")
		prefs = persistence.DefaultPreferences(alert.UserID)
	}

	channels := alert.NotificationChannels
	if len(channels) == 0 {
		channels = enabledChannels(prefs)
	}

	results := make(map[string]ChannelResult, len(channels))
	if len(channels) == 0 {
		return results
	}

	if s.inQuietHours(prefs) && priorityRank[alert.Priority] < priorityRank[prefs.QuietHoursPriorityFloor] {
		for _, ch := range channels {
			results[ch] = ChannelResult{Channel: ch, Success: false, Error: "quiet_hours"}
		}
		return results
	}

	message := formatMessage(prefs.NotificationFormat, messageInput{
		AlertName:    alert.Name,
		AlertType:    alert.AlertType,
		CurrentValue: result.CurrentValue,
		Threshold:    result.Threshold,
		Priority:     alert.Priority,
		Timezone:     prefs.QuietHoursTimezone,
	})

	for _, ch := range channels {
		results[ch] = s.sendOne(ctx, alert, prefs, ch, message)
	}
	return results
}

func (s *Service) sendOne(ctx context.Context, alert persistence.Alert, prefs persistence.NotificationPreferences, channel, message string) ChannelResult {
	recipient := prefs.Recipients[channel]

	count, err := s.prefs.CountRecentNotifications(ctx, recipient, time.Now().Add(-time.Hour).Unix())
	if err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("failed to count recent notifications")
	} else if count >= prefs.MaxNotificationsPerHour {
		s.appendLog(ctx, alert, channel, recipient, message, false, "rate_limit")
		return ChannelResult{Channel: channel, Success: false, Error: "rate_limit"}
	}

	provider, ok := s.providers[channel]
	if !ok {
		s.appendLog(ctx, alert, channel, recipient, message, false, "no_provider")
		return ChannelResult{Channel: channel, Success: false, Error: "no provider registered for channel"}
	}
	if recipient == "" {
		s.appendLog(ctx, alert, channel, recipient, message, false, "no_recipient")
		return ChannelResult{Channel: channel, Success: false, Error: "no recipient configured"}
	}

	sendResult := provider.Send(ctx, recipient, message, alert.Priority, map[string]interface{}{
		"alert_id":   alert.AlertID,
		"alert_type": alert.AlertType,
	})

	s.appendLog(ctx, alert, channel, recipient, message, sendResult.Success, sendResult.Error)
	return ChannelResult{Channel: channel, Success: sendResult.Success, Error: sendResult.Error}
}

func (s *Service) appendLog(ctx context.Context, alert persistence.Alert, channel, recipient, message string, success bool, errMsg string) {
	err := s.prefs.AppendLog(ctx, persistence.LogEntry{
		UserID:    alert.UserID,
		Recipient: recipient,
		Channel:   channel,
		AlertID:   alert.AlertID,
		Message:   message,
		Success:   success,
		Error:     errMsg,
		SentAt:    time.Now().Unix(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("failed to append notification log")
	}
}

// inQuietHours evaluates the window per spec §4.6 step 2.
func (s *Service) inQuietHours(prefs persistence.NotificationPreferences) bool {
	if prefs.QuietHoursStart == nil || prefs.QuietHoursEnd == nil {
		return false
	}
	loc, err := time.LoadLocation(prefs.QuietHoursTimezone)
	if err != nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)
	nowMin := now.Hour()*60 + now.Minute()

	startMin, okStart := parseClock(*prefs.QuietHoursStart)
	endMin, okEnd := parseClock(*prefs.QuietHoursEnd)
	if !okStart || !okEnd {
		return false
	}

	if startMin <= endMin {
		return nowMin >= startMin && nowMin <= endMin
	}
	return nowMin >= startMin || nowMin <= endMin
}

func parseClock(s string) (int, bool) {
	var h, m int
	if n, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || n != 2 {
		return 0, false
	}
	return h*60 + m, true
}

func enabledChannels(prefs persistence.NotificationPreferences) []string {
	out := make([]string, 0, len(prefs.EnabledChannels))
	for _, ch := range prefs.EnabledChannels {
		if _, ok := prefs.Recipients[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
