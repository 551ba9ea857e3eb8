// Package notification implements the notification service (spec §4.6) and
// its channel providers: quiet-hours and rate-limit gating, message
// formatting, and per-channel delivery. The Telegram provider is grounded on
// telegram.SendInteractiveMessage's bot-API POST shape.
package notification

import "context"

// SendResult is a provider's delivery outcome, spec §4.6.
type SendResult struct {
	Success          bool   `json:"success"`
	MessageID        string `json:"message_id,omitempty"`
	Error            string `json:"error,omitempty"`
	ProviderResponse string `json:"provider_response,omitempty"`
}

// Provider is one notification channel (telegram, webhook, log, ...).
type Provider interface {
	Name() string
	Send(ctx context.Context, recipient, message string, priority string, metadata map[string]interface{}) SendResult
	ValidateRecipient(recipient string) bool
	GetStatus(messageID string) (string, bool)
	Close()
}

// priorityEmoji is the provider-level emoji prefix map, spec §6.4.
var priorityEmoji = map[string]string{
	"critical": "🚨",
	"high":     "⚠️",
	"medium":   "ℹ️",
	"low":      "📢",
}

func emojiFor(priority string) string {
	if e, ok := priorityEmoji[priority]; ok {
		return e
	}
	return priorityEmoji["low"]
}
