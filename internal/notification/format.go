package notification

import (
	"fmt"
	"time"
)

// messageInput collects everything a formatter needs, spec §4.6/§6.4.
type messageInput struct {
	AlertName    string
	AlertType    string
	Symbol       string
	CurrentValue *float64
	Threshold    *float64
	Priority     string
	Timezone     string
}

// formatMessage renders the alert trigger per prefs.notification_format,
// spec §6.4.
func formatMessage(format string, in messageInput) string {
	switch format {
	case "minimal":
		return fmt.Sprintf("🔔 %s", in.AlertName)
	case "rich":
		return formatRich(in)
	default: // "compact" is the default format
		return formatCompact(in)
	}
}

func formatCompact(in messageInput) string {
	return fmt.Sprintf("🔔 *%s*\nSymbol: %s\nValue: %s", in.AlertName, in.Symbol, formatValue(in.CurrentValue))
}

func formatRich(in messageInput) string {
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)

	return fmt.Sprintf(
		"%s *%s*\nType: %s\nSymbol: %s\nThreshold: %s\nCurrent value: %s\nTime: %s",
		emojiFor(in.Priority), in.AlertName, in.AlertType, in.Symbol,
		formatValue(in.Threshold), formatValue(in.CurrentValue), now.Format("2006-01-02 15:04:05 MST"),
	)
}

func formatValue(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}
