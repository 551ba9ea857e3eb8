package evaluator

import (
	"context"
	"encoding/json"
)

type compositeCondition struct {
	Operator   string            `json:"operator"`
	Conditions []json.RawMessage `json:"conditions"`
}

// evaluateComposite evaluates every sub-condition in input order and applies
// the logical combinator to the boolean result set, spec §4.4.
func (e *Evaluator) evaluateComposite(ctx context.Context, raw []byte) Result {
	var cond compositeCondition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return errorResult("invalid composite condition: %v", err)
	}
	if cond.Operator == "" {
		cond.Operator = "and"
	}
	if len(cond.Conditions) < 2 {
		return errorResult("composite condition requires at least two sub-conditions")
	}

	results := make([]Result, len(cond.Conditions))
	for i, sub := range cond.Conditions {
		results[i] = e.Evaluate(ctx, sub)
	}

	var matched bool
	switch cond.Operator {
	case "and":
		matched = true
		for _, r := range results {
			if !r.Matched {
				matched = false
				break
			}
		}
	case "or":
		for _, r := range results {
			if r.Matched {
				matched = true
				break
			}
		}
	default:
		return errorResult("unknown composite operator: %q", cond.Operator)
	}

	matchedCount := 0
	for _, r := range results {
		if r.Matched {
			matchedCount++
		}
	}

	return Result{
		Matched:     matched,
		EvaluatedAt: resultsEvaluatedAt(results),
		Details: map[string]interface{}{
			"operator":            cond.Operator,
			"sub_results":         results,
			"total_conditions":    len(cond.Conditions),
			"matched_conditions":  matchedCount,
		},
	}
}

func resultsEvaluatedAt(results []Result) int64 {
	if len(results) == 0 {
		return 0
	}
	return results[len(results)-1].EvaluatedAt
}
