package persistence

import (
	"encoding/json"

	"github.com/nsefo/sentinel/internal/aggregator"
)

func encodeLiquidity(l *aggregator.LiquiditySnapshot) (string, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
