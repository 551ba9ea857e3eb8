// Package positionpoll drives C3's input side: on a fixed interval it pulls
// each configured account's positions and orders from the broker proxy,
// mirrors them into the positions database, and feeds the diff into
// internal/position.Tracker, which emits the OPENED/INCREASED/REDUCED/
// CLOSED/UPDATED events internal/worker/cleanup listens for. Grounded on
// internal/worker/evaluation's cancellation-aware sleep loop idiom.
package positionpoll

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsefo/sentinel/internal/broker"
	"github.com/nsefo/sentinel/internal/persistence"
	"github.com/nsefo/sentinel/internal/position"
)

// Worker polls broker.Proxy for each configured account and drives the
// position tracker and the local snapshot/order mirror.
type Worker struct {
	broker     *broker.Proxy
	tracker    *position.Tracker
	positions  *persistence.PositionStore
	accountIDs []string
	interval   time.Duration
	log        zerolog.Logger
}

// Config configures the poll interval and the accounts to poll.
type Config struct {
	AccountIDs          []string
	PollIntervalSeconds int
}

// New builds a Worker.
func New(proxy *broker.Proxy, tracker *position.Tracker, positions *persistence.PositionStore, cfg Config, log zerolog.Logger) *Worker {
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Worker{
		broker:     proxy,
		tracker:    tracker,
		positions:  positions,
		accountIDs: cfg.AccountIDs,
		interval:   interval,
		log:        log.With().Str("component", "position_poll_worker").Logger(),
	}
}

// Run blocks until ctx is cancelled, polling every account on each tick.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		for _, accountID := range w.accountIDs {
			w.pollAccount(ctx, accountID)
		}
		if !sleepCtx(ctx, w.interval) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) pollAccount(ctx context.Context, accountID string) {
	positions, err := w.broker.FetchPositions(ctx, accountID)
	if err != nil {
		w.log.Warn().Err(err).Str("account_id", accountID).Msg("failed to fetch positions")
		return
	}

	rows := make([]persistence.PositionRow, len(positions))
	tracked := make([]position.Position, len(positions))
	for i, p := range positions {
		rows[i] = persistence.PositionRow{
			AccountID: accountID, TradingSymbol: p.TradingSymbol, Exchange: p.Exchange, Product: p.Product,
			Quantity: p.Quantity, AveragePrice: p.AveragePrice, LastPrice: p.LastPrice, PNL: p.PNL, DayPNL: p.DayPNL,
		}
		tracked[i] = position.Position{
			TradingSymbol: p.TradingSymbol, Exchange: p.Exchange, Product: p.Product,
			Quantity: p.Quantity, AveragePrice: p.AveragePrice, LastPrice: p.LastPrice, PNL: p.PNL, DayPNL: p.DayPNL,
		}
	}

	if err := w.positions.ReplaceSnapshot(ctx, accountID, rows); err != nil {
		w.log.Error().Err(err).Str("account_id", accountID).Msg("failed to persist position snapshot")
	}

	// Refresh the order mirror before diffing positions: the cleanup
	// worker's listener runs synchronously off the bus dispatch triggered
	// by OnPositionUpdate below, so PendingOrdersFor must already see the
	// latest order book.
	orders, err := w.broker.FetchOrders(ctx, accountID)
	if err != nil {
		w.log.Warn().Err(err).Str("account_id", accountID).Msg("failed to fetch orders")
	} else {
		orderRows := make([]persistence.OrderRow, len(orders))
		for i, o := range orders {
			orderRows[i] = persistence.OrderRow{
				OrderID: o.OrderID, AccountID: o.AccountID, TradingSymbol: o.TradingSymbol, Exchange: o.Exchange,
				Product: o.Product, OrderType: o.OrderType, Status: o.Status, Quantity: o.Quantity,
				StrategyID: o.StrategyID, Variety: o.Variety,
			}
		}
		if err := w.positions.UpsertOrders(ctx, orderRows); err != nil {
			w.log.Error().Err(err).Str("account_id", accountID).Msg("failed to mirror orders")
		}
	}

	w.tracker.OnPositionUpdate(accountID, tracked)
}
