package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type greekCondition struct {
	Symbol       string   `json:"symbol"`
	Greek        string   `json:"greek"`
	Operator     string   `json:"operator"`
	Threshold    float64  `json:"threshold"`
	MaxThreshold *float64 `json:"max_threshold"`
}

// evaluateGreek fetches the named greek for symbol from the analytics
// endpoint and compares it, spec §4.4.
func (e *Evaluator) evaluateGreek(ctx context.Context, raw []byte) Result {
	var cond greekCondition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return errorResult("invalid greek condition: %v", err)
	}
	if cond.Symbol == "" || cond.Greek == "" {
		return errorResult("symbol and greek are required")
	}
	if cond.Operator == "" {
		cond.Operator = "gt"
	}

	endpoint := fmt.Sprintf("%s/api/greeks/%s", e.backendURL, url.PathEscape(cond.Symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errorResult("build greek request: %v", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errorResult("failed to fetch greeks for %s: %v", cond.Symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorResult("failed to fetch greeks for %s: status %d", cond.Symbol, resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errorResult("decode greek response: %v", err)
	}

	current, ok := extractFloat(body, cond.Greek)
	if !ok {
		return errorResult("no %s data for %s", cond.Greek, cond.Symbol)
	}

	matched, err := compare(current, cond.Operator, cond.Threshold, cond.MaxThreshold)
	if err != nil {
		return errorResult("%v", err)
	}

	return matchResult(matched, current, cond.Threshold, map[string]interface{}{
		"symbol":   cond.Symbol,
		"greek":    cond.Greek,
		"operator": cond.Operator,
	})
}
