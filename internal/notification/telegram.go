package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TelegramProvider delivers messages via the Telegram bot API, grounded on
// telegram.SendInteractiveMessage's POST /sendMessage shape, reworked into
// the Provider interface with a shared client and a process-wide rate gate.
type TelegramProvider struct {
	botToken string
	client   *http.Client
	log      zerolog.Logger

	mu         sync.Mutex
	sentInHour int
	hourWindow time.Time
	rateLimit  int

	retryAttempts int
	retryBackoff  time.Duration
}

// NewTelegramProvider builds a provider bound to botToken, with
// globalRateLimit messages/hour shared across every recipient (spec §6.6's
// GLOBAL_TELEGRAM_RATE_LIMIT) and retryAttempts/retryBackoff governing the
// provider retry policy (spec §6.6's notification_retry_attempts/backoff).
func NewTelegramProvider(botToken string, globalRateLimit int, retryAttempts int, retryBackoff time.Duration, log zerolog.Logger) *TelegramProvider {
	if globalRateLimit <= 0 {
		globalRateLimit = 20
	}
	if retryAttempts < 0 {
		retryAttempts = 0
	}
	if retryBackoff <= 0 {
		retryBackoff = 2 * time.Second
	}
	return &TelegramProvider{
		botToken:      botToken,
		client:        &http.Client{Timeout: 10 * time.Second},
		log:           log.With().Str("provider", "telegram").Logger(),
		rateLimit:     globalRateLimit,
		retryAttempts: retryAttempts,
		retryBackoff:  retryBackoff,
	}
}

// Name identifies the channel, matching alert.notification_channels entries.
func (p *TelegramProvider) Name() string { return "telegram" }

// Send posts message to the given chat ID, prefixed with the priority emoji.
func (p *TelegramProvider) Send(ctx context.Context, recipient, message, priority string, metadata map[string]interface{}) SendResult {
	if p.botToken == "" || recipient == "" {
		return SendResult{Success: false, Error: "telegram bot token or recipient not configured"}
	}

	if !p.allow() {
		return SendResult{Success: false, Error: "global telegram rate limit exceeded"}
	}

	text := fmt.Sprintf("%s %s", emojiFor(priority), message)
	payload := map[string]string{
		"chat_id":    recipient,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Success: false, Error: fmt.Sprintf("marshal telegram payload: %v", err)}
	}

	var result SendResult
	backoff := p.retryBackoff
	for attempt := 0; ; attempt++ {
		var status int
		result, status = p.doSend(ctx, body)
		if result.Success || attempt >= p.retryAttempts || !retryableStatus(status) {
			break
		}
		p.log.Warn().Int("attempt", attempt+1).Int("status", status).Msg("retrying telegram send")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return result
		}
		backoff *= 2
	}
	return result
}

// retryableStatus gates retries to transient failures (spec §7 kind-1
// TransientRemote): 429 (rate limited) and 5xx. Other 4xx responses are the
// caller's fault and won't succeed on retry.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// doSend performs one POST attempt, returning the HTTP status code alongside
// the result so the caller can decide whether to retry.
func (p *TelegramProvider) doSend(ctx context.Context, body []byte) (SendResult, int) {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", p.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return SendResult{Success: false, Error: fmt.Sprintf("build telegram request: %v", err)}, 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{Success: false, Error: fmt.Sprintf("telegram request failed: %v", err)}, 0
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return SendResult{Success: false, Error: fmt.Sprintf("telegram API status %d", resp.StatusCode), ProviderResponse: string(respBody)}, resp.StatusCode
	}

	return SendResult{Success: true, ProviderResponse: string(respBody)}, resp.StatusCode
}

// ValidateRecipient requires a non-empty chat ID; Telegram itself is the
// source of truth for whether the chat actually exists.
func (p *TelegramProvider) ValidateRecipient(recipient string) bool {
	return recipient != ""
}

// GetStatus is unsupported: the bot API does not expose delivery receipts.
func (p *TelegramProvider) GetStatus(messageID string) (string, bool) {
	return "", false
}

// Close releases the provider's pooled connections.
func (p *TelegramProvider) Close() {
	p.client.CloseIdleConnections()
}

func (p *TelegramProvider) allow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.hourWindow) >= time.Hour {
		p.hourWindow = now
		p.sentInHour = 0
	}
	if p.sentInHour >= p.rateLimit {
		return false
	}
	p.sentInHour++
	return true
}
