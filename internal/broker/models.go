package broker

// Position is the broker's view of one open position, combining net and day
// quantities the way the proxy's FetchPositions response does (spec §3.1,
// §6.5).
type Position struct {
	AccountID     string  `json:"account_id"`
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      float64 `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PNL           float64 `json:"pnl"`
	DayPNL        float64 `json:"day_pnl"`
}

// Order is the broker's view of one order, local fields (StrategyID,
// Variety) included so the cleanup worker can mirror it into the local
// orders table without a second lookup.
type Order struct {
	OrderID       string  `json:"order_id"`
	AccountID     string  `json:"account_id"`
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	OrderType     string  `json:"order_type"`
	Status        string  `json:"status"`
	Quantity      float64 `json:"quantity"`
	StrategyID    string  `json:"strategy_id"`
	Variety       string  `json:"variety"`
}

// CancelResult is the outcome of a cancel request.
type CancelResult struct {
	Success bool `json:"success"`
}

// pendingStatuses is the set of order statuses the cleanup worker considers
// "still live" when looking for SL/SL-M orders to cancel.
var pendingStatuses = map[string]bool{
	"PENDING":         true,
	"OPEN":            true,
	"TRIGGER PENDING": true,
}

// IsPending reports whether status is one the cleanup worker acts on.
func IsPending(status string) bool {
	return pendingStatuses[status]
}
