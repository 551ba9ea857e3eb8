package evaluator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type timeCondition struct {
	Condition string   `json:"condition"`
	Timezone  string   `json:"timezone"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
	Days      []string `json:"days"`
}

var defaultWeekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday"}

// evaluateTime evaluates against the current wall clock in the condition's
// timezone, spec §4.4. Market hours default to 09:15-15:30 local.
func (e *Evaluator) evaluateTime(raw []byte) Result {
	var cond timeCondition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return errorResult("invalid time condition: %v", err)
	}
	if cond.Condition == "" {
		cond.Condition = "market_hours"
	}
	if cond.Timezone == "" {
		cond.Timezone = "Asia/Kolkata"
	}

	loc, err := time.LoadLocation(cond.Timezone)
	if err != nil {
		return errorResult("unknown timezone %q: %v", cond.Timezone, err)
	}
	now := time.Now().In(loc)

	switch cond.Condition {
	case "market_hours":
		start := 9*60 + 15
		end := 15*60 + 30
		matched := withinMinuteWindow(now, start, end)
		return Result{
			Matched:     matched,
			EvaluatedAt: time.Now().Unix(),
			Details: map[string]interface{}{
				"condition":     cond.Condition,
				"current_time":  now.Format(time.RFC3339),
			},
		}

	case "time_range":
		startTime := cond.StartTime
		if startTime == "" {
			startTime = "09:15"
		}
		endTime := cond.EndTime
		if endTime == "" {
			endTime = "15:30"
		}
		startMin, err := parseHHMM(startTime)
		if err != nil {
			return errorResult("invalid start_time: %v", err)
		}
		endMin, err := parseHHMM(endTime)
		if err != nil {
			return errorResult("invalid end_time: %v", err)
		}
		matched := withinMinuteWindow(now, startMin, endMin)
		return Result{
			Matched:     matched,
			EvaluatedAt: time.Now().Unix(),
			Details: map[string]interface{}{
				"condition":    cond.Condition,
				"current_time": now.Format(time.RFC3339),
				"start_time":   startTime,
				"end_time":     endTime,
			},
		}

	case "day_of_week":
		allowed := cond.Days
		if len(allowed) == 0 {
			allowed = defaultWeekdays
		}
		currentDay := strings.ToLower(now.Weekday().String())
		matched := false
		for _, d := range allowed {
			if strings.ToLower(d) == currentDay {
				matched = true
				break
			}
		}
		return Result{
			Matched:     matched,
			EvaluatedAt: time.Now().Unix(),
			Details: map[string]interface{}{
				"condition":    cond.Condition,
				"current_day":  currentDay,
				"allowed_days": allowed,
			},
		}

	default:
		return errorResult("unknown time condition: %q", cond.Condition)
	}
}

func withinMinuteWindow(now time.Time, startMin, endMin int) bool {
	minuteOfDay := now.Hour()*60 + now.Minute()
	return minuteOfDay >= startMin && minuteOfDay <= endMin
}

func parseHHMM(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}
