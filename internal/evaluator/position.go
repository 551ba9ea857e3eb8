package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type positionCondition struct {
	Metric       string   `json:"metric"`
	Operator     string   `json:"operator"`
	Threshold    float64  `json:"threshold"`
	MaxThreshold *float64 `json:"max_threshold"`
	Symbol       string   `json:"symbol"`
	Product      string   `json:"product"`
	AccountID    string   `json:"account_id"`
}

type positionRecord struct {
	Symbol        string  `json:"symbol"`
	Product       string  `json:"product"`
	PNL           float64 `json:"pnl"`
	DayPNL        float64 `json:"day_pnl"`
	Quantity      float64 `json:"quantity"`
	PNLPercentage float64 `json:"pnl_percentage"`
	Exposure      float64 `json:"exposure"`
}

// evaluatePosition fetches open positions from the external portfolio
// endpoint, optionally filters by symbol/product, and sums the requested
// metric across the result, spec §4.4.
func (e *Evaluator) evaluatePosition(ctx context.Context, raw []byte) Result {
	var cond positionCondition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return errorResult("invalid position condition: %v", err)
	}
	if cond.Metric == "" {
		cond.Metric = "pnl"
	}
	if cond.Operator == "" {
		cond.Operator = "lt"
	}

	endpoint := fmt.Sprintf("%s/api/positions", e.backendURL)
	q := url.Values{}
	if cond.AccountID != "" {
		q.Set("account_id", cond.AccountID)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errorResult("build position request: %v", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errorResult("failed to fetch positions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorResult("failed to fetch positions: status %d", resp.StatusCode)
	}

	var body struct {
		Positions []positionRecord `json:"positions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errorResult("decode position response: %v", err)
	}

	positions := body.Positions
	if cond.Symbol != "" {
		filtered := positions[:0]
		for _, p := range positions {
			if p.Symbol == cond.Symbol {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	if cond.Product != "" {
		filtered := positions[:0]
		for _, p := range positions {
			if p.Product == cond.Product {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}

	var current float64
	for _, p := range positions {
		switch cond.Metric {
		case "pnl":
			current += p.PNL
		case "day_pnl":
			current += p.DayPNL
		case "quantity":
			current += p.Quantity
		case "pnl_percentage":
			current += p.PNLPercentage
		case "exposure":
			current += p.Exposure
		default:
			return errorResult("unknown metric: %q", cond.Metric)
		}
	}

	matched, err := compare(current, cond.Operator, cond.Threshold, cond.MaxThreshold)
	if err != nil {
		return errorResult("%v", err)
	}

	return matchResult(matched, current, cond.Threshold, map[string]interface{}{
		"metric":         cond.Metric,
		"operator":       cond.Operator,
		"symbol":         cond.Symbol,
		"position_count": len(positions),
	})
}
