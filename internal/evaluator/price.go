package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type priceCondition struct {
	Symbol       string   `json:"symbol"`
	Operator     string   `json:"operator"`
	Threshold    float64  `json:"threshold"`
	MaxThreshold *float64 `json:"max_threshold"`
	Comparison   string   `json:"comparison"`
}

type priceQuote struct {
	LastPrice *float64 `json:"last_price"`
	LTP       *float64 `json:"ltp"`
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ask"`
	VWAP      *float64 `json:"vwap"`
}

func (q priceQuote) field(comparison string) *float64 {
	switch comparison {
	case "bid":
		return q.Bid
	case "ask":
		return q.Ask
	case "vwap":
		return q.VWAP
	default:
		if q.LastPrice != nil {
			return q.LastPrice
		}
		return q.LTP
	}
}

// evaluatePrice fetches a live quote for symbol, first from the live LTP
// endpoint, falling back to the quotes endpoint on failure, spec §4.4.
func (e *Evaluator) evaluatePrice(ctx context.Context, raw []byte) Result {
	var cond priceCondition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return errorResult("invalid price condition: %v", err)
	}
	if cond.Symbol == "" {
		return errorResult("symbol is required")
	}
	if cond.Operator == "" {
		cond.Operator = "gt"
	}
	if cond.Comparison == "" {
		cond.Comparison = "last_price"
	}

	quote, err := e.fetchQuote(ctx, fmt.Sprintf("%s/live/%s", e.tickerServiceURL, cond.Symbol))
	if err != nil {
		quote, err = e.fetchQuote(ctx, fmt.Sprintf("%s/quotes/%s", e.tickerServiceURL, cond.Symbol))
		if err != nil {
			return errorResult("failed to fetch price for %s: %v", cond.Symbol, err)
		}
	}

	current := quote.field(cond.Comparison)
	if current == nil {
		return errorResult("no price data for %s", cond.Symbol)
	}

	matched, err := compare(*current, cond.Operator, cond.Threshold, cond.MaxThreshold)
	if err != nil {
		return errorResult("%v", err)
	}

	return matchResult(matched, *current, cond.Threshold, map[string]interface{}{
		"symbol":     cond.Symbol,
		"operator":   cond.Operator,
		"comparison": cond.Comparison,
	})
}

func (e *Evaluator) fetchQuote(ctx context.Context, url string) (priceQuote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return priceQuote{}, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return priceQuote{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return priceQuote{}, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	var q priceQuote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return priceQuote{}, fmt.Errorf("decode quote response: %w", err)
	}
	return q, nil
}
