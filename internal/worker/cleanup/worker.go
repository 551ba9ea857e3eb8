// Package cleanup implements the M6 Order-Cleanup Worker (spec §4.8, C3's
// action half): a position-tracker listener that cancels stale stop-loss
// orders once the position they protect closes or shrinks, gated by
// per-strategy settings.
package cleanup

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nsefo/sentinel/internal/broker"
	"github.com/nsefo/sentinel/internal/events"
	"github.com/nsefo/sentinel/internal/persistence"
)

// slOrderTypes are the order types eligible for exit cleanup, spec §4.8 step 1.
var slOrderTypes = map[string]bool{"SL": true, "SL-M": true}

// Worker cancels pending SL/SL-M orders left behind when a position closes
// or partially reduces, per the policy cascade in spec §4.8.
type Worker struct {
	positions *persistence.PositionStore
	strategy  *persistence.StrategyStore
	broker    *broker.Proxy
	log       zerolog.Logger
}

// New builds a cleanup Worker.
func New(positions *persistence.PositionStore, strategy *persistence.StrategyStore, proxy *broker.Proxy, log zerolog.Logger) *Worker {
	return &Worker{
		positions: positions,
		strategy:  strategy,
		broker:    proxy,
		log:       log.With().Str("component", "order_cleanup_worker").Logger(),
	}
}

// Filter matches only the position transitions the cleanup worker acts on.
func (w *Worker) Filter(ev events.EventWithData) bool {
	return ev.Type == events.PositionClosed || ev.Type == events.PositionReduced
}

// Handle processes one position event on the publishing goroutine. Its I/O
// is local SQLite plus, for each order it cancels, a wait for the broker
// proxy's queued request to complete, so later listeners wait until the
// broker answers.
func (w *Worker) Handle(ev events.EventWithData) {
	data, ok := ev.Data.(*events.PositionEventData)
	if !ok {
		return
	}
	w.handlePositionEvent(context.Background(), data)
}

func (w *Worker) handlePositionEvent(ctx context.Context, data *events.PositionEventData) {
	log := w.log.With().
		Str("account_id", data.AccountID).
		Str("tradingsymbol", data.TradingSymbol).
		Str("event_type", string(data.Kind)).
		Logger()

	orders, err := w.positions.PendingOrdersFor(ctx, data.AccountID, data.TradingSymbol, data.Exchange, data.Product)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch pending orders")
		return
	}

	for _, order := range orders {
		w.evaluateOrder(ctx, data, order, log)
	}
}

func (w *Worker) evaluateOrder(ctx context.Context, data *events.PositionEventData, order persistence.OrderRow, log zerolog.Logger) {
	settings, err := w.strategy.Get(ctx, order.StrategyID)
	if err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to fetch strategy settings")
		w.logOutcome(ctx, data, order, "skipped", "ticker_service_error")
		return
	}

	if !settings.AutoCleanupEnabled {
		w.logOutcome(ctx, data, order, "skipped", "auto_cleanup_disabled")
		return
	}

	if slOrderTypes[order.OrderType] && !settings.CleanupSLOnExit {
		w.logOutcome(ctx, data, order, "skipped", "cleanup_sl_on_exit_disabled")
		return
	}

	// A REDUCED event leaves the order alone as long as it still fits inside
	// the remaining position (order.quantity <= quantity_after); only an
	// order that now exceeds what's left gets cancelled, spec §4.8 step 3.
	if data.Kind == events.PositionReduced && order.Quantity <= data.QuantityAfter {
		w.logOutcome(ctx, data, order, "skipped", "partial_reduction")
		return
	}

	result, err := w.broker.CancelOrder(ctx, data.AccountID, order.OrderID, order.Variety)
	if err != nil || !result.Success {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to cancel order")
		w.logOutcome(ctx, data, order, "skipped", "cleanup_failed")
		return
	}

	if err := w.positions.MarkOrderCancelled(ctx, order.OrderID); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to mark order cancelled locally")
	}

	reason := "position_closed"
	if data.Kind == events.PositionReduced {
		reason = "position_reduced"
	}
	w.logOutcome(ctx, data, order, "cancelled", reason)
}

func (w *Worker) logOutcome(ctx context.Context, data *events.PositionEventData, order persistence.OrderRow, action, reason string) {
	entry := persistence.CleanupLogEntry{
		AccountID:     data.AccountID,
		TradingSymbol: data.TradingSymbol,
		Exchange:      data.Exchange,
		Product:       data.Product,
		OrderID:       order.OrderID,
		OrderType:     order.OrderType,
		EventType:     string(data.Kind),
		CleanupAction: action,
		CleanupReason: reason,
	}
	if err := w.positions.AppendCleanupLog(ctx, entry); err != nil {
		w.log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to append cleanup log entry")
	}
}
