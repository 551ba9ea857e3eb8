package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogProvider is a channel that writes notifications to the application log
// instead of an external service; used for the "log" channel and as a dev
// fallback when no external provider is configured for a channel name.
type LogProvider struct {
	log zerolog.Logger
}

// NewLogProvider builds a log-backed provider.
func NewLogProvider(log zerolog.Logger) *LogProvider {
	return &LogProvider{log: log.With().Str("provider", "log").Logger()}
}

// Name identifies the channel.
func (p *LogProvider) Name() string { return "log" }

// Send writes the message as a log event; always succeeds.
func (p *LogProvider) Send(ctx context.Context, recipient, message, priority string, metadata map[string]interface{}) SendResult {
	p.log.Info().
		Str("recipient", recipient).
		Str("priority", priority).
		Interface("metadata", metadata).
		Msg(message)
	return SendResult{Success: true}
}

// ValidateRecipient always succeeds; the log channel has no addressing.
func (p *LogProvider) ValidateRecipient(recipient string) bool { return true }

// GetStatus is unsupported; log entries are fire-and-forget.
func (p *LogProvider) GetStatus(messageID string) (string, bool) { return "", false }

// Close is a no-op; the log provider owns no external resources.
func (p *LogProvider) Close() {}
