// Package evaluator implements the M3 stateless condition evaluator (spec
// §4.4): dispatch on a condition's declared type, fetch whatever external
// market data the condition needs, and compare against a threshold.
// Grounded on internal/work's type-driven dispatch idiom and on
// original_source/alert_service/app/services/evaluator.py's operator and
// fetch-then-compare shape.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsefo/sentinel/internal/persistence"
)

// Result is the outcome of evaluating one condition, spec §4.4.
type Result struct {
	Matched      bool                   `json:"matched"`
	CurrentValue *float64               `json:"current_value,omitempty"`
	Threshold    *float64               `json:"threshold,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Error        string                 `json:"error,omitempty"`
	EvaluatedAt  int64                  `json:"evaluated_at"`
}

func matchResult(matched bool, current, threshold float64, details map[string]interface{}) Result {
	c, t := current, threshold
	return Result{Matched: matched, CurrentValue: &c, Threshold: &t, Details: details, EvaluatedAt: time.Now().Unix()}
}

func errorResult(format string, args ...interface{}) Result {
	return Result{Matched: false, Error: fmt.Sprintf(format, args...), EvaluatedAt: time.Now().Unix()}
}

// condition is the common envelope every condition_config JSON blob carries;
// type-specific fields are re-decoded from the raw payload by each handler.
type condition struct {
	Type string `json:"type"`
}

// Evaluator owns the pooled HTTP client used to reach external market-data
// and portfolio endpoints. One Evaluator is shared by every worker goroutine;
// it carries no per-evaluation state.
type Evaluator struct {
	tickerServiceURL string
	backendURL       string
	client           *http.Client
	market           *persistence.MarketStore
	log              zerolog.Logger
}

// Config configures the external endpoints and per-call timeout.
type Config struct {
	TickerServiceURL string
	BackendURL       string
	Timeout          time.Duration
	// Market, if set, backs a local go-talib indicator computation used when
	// BackendURL is unset, instead of calling out to an analytics endpoint.
	Market *persistence.MarketStore
}

// New builds an Evaluator with a pooled HTTP client (spec §4.4: "the
// evaluator owns an HTTP client with connection pooling").
func New(cfg Config, log zerolog.Logger) *Evaluator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Evaluator{
		tickerServiceURL: cfg.TickerServiceURL,
		backendURL:       cfg.BackendURL,
		market:           cfg.Market,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.With().Str("component", "evaluator").Logger(),
	}
}

// Close releases the evaluator's pooled connections.
func (e *Evaluator) Close() {
	e.client.CloseIdleConnections()
}

// Evaluate dispatches on condition_config.type, spec §4.4. A panic inside a
// handler (e.g. a malformed payload assertion) is recovered and turned into
// an error result rather than taking down the calling worker goroutine.
func (e *Evaluator) Evaluate(ctx context.Context, conditionConfig []byte) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = errorResult("evaluation panicked: %v", r)
		}
	}()

	var c condition
	if err := json.Unmarshal(conditionConfig, &c); err != nil {
		return errorResult("invalid condition_config: %v", err)
	}

	switch c.Type {
	case "price":
		return e.evaluatePrice(ctx, conditionConfig)
	case "indicator":
		return e.evaluateIndicator(ctx, conditionConfig)
	case "position":
		return e.evaluatePosition(ctx, conditionConfig)
	case "greek":
		return e.evaluateGreek(ctx, conditionConfig)
	case "time":
		return e.evaluateTime(conditionConfig)
	case "composite":
		return e.evaluateComposite(ctx, conditionConfig)
	case "custom", "script":
		return errorResult("not implemented")
	default:
		return errorResult("unknown condition type: %q", c.Type)
	}
}

// compare applies the operator semantics of spec §4.4: eq uses a relative
// tolerance, between requires both bounds.
func compare(current float64, operator string, threshold float64, maxThreshold *float64) (bool, error) {
	switch operator {
	case "gt":
		return current > threshold, nil
	case "gte":
		return current >= threshold, nil
	case "lt":
		return current < threshold, nil
	case "lte":
		return current <= threshold, nil
	case "eq":
		tolerance := threshold * 1e-3
		if tolerance < 0 {
			tolerance = -tolerance
		}
		if tolerance < 1e-3 {
			tolerance = 1e-3
		}
		diff := current - threshold
		if diff < 0 {
			diff = -diff
		}
		return diff <= tolerance, nil
	case "between":
		if maxThreshold == nil {
			return false, fmt.Errorf("'between' operator requires max_threshold")
		}
		return threshold <= current && current <= *maxThreshold, nil
	default:
		return false, fmt.Errorf("unknown operator: %q", operator)
	}
}
