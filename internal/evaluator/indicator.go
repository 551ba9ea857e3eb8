package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	talib "github.com/markcheno/go-talib"
)

type indicatorCondition struct {
	Symbol          string   `json:"symbol"`
	Indicator       string   `json:"indicator"`
	Timeframe       string   `json:"timeframe"`
	Operator        string   `json:"operator"`
	Threshold       float64  `json:"threshold"`
	MaxThreshold    *float64 `json:"max_threshold"`
	LookbackPeriods int      `json:"lookback_periods"`
}

// evaluateIndicator resolves a technical indicator for symbol, spec §4.4.
// When the evaluator has a backend analytics endpoint configured, it fetches
// the precomputed value there. Otherwise, if it has a market store, it
// computes the indicator itself via go-talib over persisted underlying bars.
func (e *Evaluator) evaluateIndicator(ctx context.Context, raw []byte) Result {
	var cond indicatorCondition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return errorResult("invalid indicator condition: %v", err)
	}
	if cond.Symbol == "" || cond.Indicator == "" {
		return errorResult("symbol and indicator are required")
	}
	if cond.Operator == "" {
		cond.Operator = "gt"
	}
	if cond.Timeframe == "" {
		cond.Timeframe = "5min"
	}
	if cond.LookbackPeriods == 0 {
		cond.LookbackPeriods = 14
	}

	if e.backendURL == "" && e.market != nil {
		return e.evaluateIndicatorLocally(ctx, cond)
	}

	endpoint := fmt.Sprintf("%s/api/indicators/%s/%s?timeframe=%s&lookback=%d",
		e.backendURL, url.PathEscape(cond.Symbol), url.PathEscape(cond.Indicator),
		url.QueryEscape(cond.Timeframe), cond.LookbackPeriods)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errorResult("build indicator request: %v", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errorResult("failed to fetch %s for %s: %v", cond.Indicator, cond.Symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorResult("failed to fetch %s for %s: status %d", cond.Indicator, cond.Symbol, resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errorResult("decode indicator response: %v", err)
	}

	current, ok := extractFloat(body, "value", cond.Indicator)
	if !ok {
		return errorResult("no %s data for %s", cond.Indicator, cond.Symbol)
	}

	matched, err := compare(current, cond.Operator, cond.Threshold, cond.MaxThreshold)
	if err != nil {
		return errorResult("%v", err)
	}

	return matchResult(matched, current, cond.Threshold, map[string]interface{}{
		"symbol":    cond.Symbol,
		"indicator": cond.Indicator,
		"timeframe": cond.Timeframe,
		"operator":  cond.Operator,
	})
}

// minIndicatorBars is the smallest history go-talib's warmup periods need to
// produce a non-NaN value for any indicator this handler supports.
const minIndicatorBars = 50

// evaluateIndicatorLocally computes cond.Indicator directly from persisted
// underlying bars via go-talib, for deployments with no external analytics
// backend configured.
func (e *Evaluator) evaluateIndicatorLocally(ctx context.Context, cond indicatorCondition) Result {
	needed := cond.LookbackPeriods * 3
	if needed < minIndicatorBars {
		needed = minIndicatorBars
	}

	bars, err := e.market.FetchUnderlyingBars(ctx, cond.Symbol, cond.Timeframe, needed)
	if err != nil {
		return errorResult("fetch underlying bars for %s: %v", cond.Symbol, err)
	}
	if len(bars) < cond.LookbackPeriods+1 {
		return errorResult("insufficient bar history for %s (%d bars)", cond.Symbol, len(bars))
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
		highs[i] = bar.High
		lows[i] = bar.Low
	}

	var series []float64
	switch strings.ToLower(cond.Indicator) {
	case "rsi":
		series = talib.Rsi(closes, cond.LookbackPeriods)
	case "ema":
		series = talib.Ema(closes, cond.LookbackPeriods)
	case "sma":
		series = talib.Sma(closes, cond.LookbackPeriods)
	case "atr":
		series = talib.Atr(highs, lows, closes, cond.LookbackPeriods)
	default:
		return errorResult("indicator %q has no local implementation", cond.Indicator)
	}

	current := series[len(series)-1]
	if current != current { // NaN: not enough warmup history yet
		return errorResult("indicator %s for %s has not warmed up", cond.Indicator, cond.Symbol)
	}

	matched, err := compare(current, cond.Operator, cond.Threshold, cond.MaxThreshold)
	if err != nil {
		return errorResult("%v", err)
	}

	return matchResult(matched, current, cond.Threshold, map[string]interface{}{
		"symbol":    cond.Symbol,
		"indicator": cond.Indicator,
		"timeframe": cond.Timeframe,
		"operator":  cond.Operator,
		"source":    "local",
	})
}

func extractFloat(body map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := body[k]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			}
		}
	}
	return 0, false
}
