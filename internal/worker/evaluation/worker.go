// Package evaluation implements the M4 Evaluation Worker (spec §4.5, C2's
// driver): a fixed priority cycle over active alerts, bounded-concurrency
// evaluation, and the cooldown/daily-cap/trigger gate chain. Grounded on
// internal/queue.Scheduler's cancellation-aware ticker loop idiom, traded for
// a fixed sleep since the cycle duration itself is data-dependent.
package evaluation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsefo/sentinel/internal/evaluator"
	"github.com/nsefo/sentinel/internal/notification"
	"github.com/nsefo/sentinel/internal/persistence"
)

// priorityOrder is the fixed cycle order, spec §4.5.
var priorityOrder = []string{"critical", "high", "medium", "low"}

// Notifier is the subset of the notification service the worker drives on trigger.
type Notifier interface {
	Send(ctx context.Context, alert persistence.Alert, result evaluator.Result) map[string]notification.ChannelResult
}

// Worker drives the priority evaluation cycle.
type Worker struct {
	store       *persistence.AlertStore
	evaluator   *evaluator.Evaluator
	notifier    Notifier
	batchSize   int
	concurrency int
	minInterval time.Duration
	log         zerolog.Logger
}

// Config configures the worker's batch size, concurrency, and cycle floor.
type Config struct {
	BatchSize          int
	Concurrency        int
	MinIntervalSeconds int
}

// New builds a Worker.
func New(store *persistence.AlertStore, ev *evaluator.Evaluator, notifier Notifier, cfg Config, log zerolog.Logger) *Worker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	minInterval := cfg.MinIntervalSeconds
	if minInterval < 10 {
		minInterval = 10
	}
	return &Worker{
		store:       store,
		evaluator:   ev,
		notifier:    notifier,
		batchSize:   batchSize,
		concurrency: concurrency,
		minInterval: time.Duration(minInterval) * time.Second,
		log:         log.With().Str("component", "evaluation_worker").Logger(),
	}
}

// Run blocks until ctx is cancelled, running the priority cycle repeatedly.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		if err := w.runCycle(ctx); err != nil {
			w.log.Error().Err(err).Msg("evaluation cycle failed, backing off")
			sleepDuration := w.minInterval * 2
			if sleepDuration > 60*time.Second {
				sleepDuration = 60 * time.Second
			}
			if !sleepCtx(ctx, sleepDuration) {
				return
			}
			continue
		}

		elapsed := time.Since(started)
		sleepFor := w.minInterval - elapsed
		if sleepFor < time.Second {
			sleepFor = time.Second
		}
		if !sleepCtx(ctx, sleepFor) {
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

// runCycle evaluates every priority tier in the fixed order. A batch-level
// error for one priority is logged and the loop falls through to the next.
func (w *Worker) runCycle(ctx context.Context) error {
	now := persistence.NowUnix()
	for _, priority := range priorityOrder {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.runPriority(ctx, priority, now); err != nil {
			w.log.Error().Err(err).Str("priority", priority).Msg("priority batch failed")
			continue
		}
	}
	return nil
}

func (w *Worker) runPriority(ctx context.Context, priority string, now int64) error {
	alerts, err := w.store.DueAlerts(ctx, priority, w.batchSize, now)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, alert := range alerts {
		alert := alert
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					w.log.Error().Interface("panic", r).Str("alert_id", alert.AlertID).Msg("alert evaluation panicked")
				}
			}()
			w.evaluateAlert(ctx, alert)
		}()
	}
	wg.Wait()
	return nil
}

// evaluateAlert implements the per-alert steps of spec §4.5.
func (w *Worker) evaluateAlert(ctx context.Context, alert persistence.Alert) {
	result := w.evaluator.Evaluate(ctx, []byte(alert.ConditionConfig))
	now := persistence.NowUnix()

	if err := w.store.MarkEvaluated(ctx, alert.AlertID, now); err != nil {
		w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("failed to mark alert evaluated")
	}

	if !result.Matched {
		return
	}

	if alert.CooldownSeconds > 0 && alert.LastTriggeredAt != nil && now < *alert.LastTriggeredAt+int64(alert.CooldownSeconds) {
		return
	}

	if alert.MaxTriggersPerDay != nil && *alert.MaxTriggersPerDay > 0 {
		count, err := w.store.CountEventsSince(ctx, alert.AlertID, now-24*60*60)
		if err != nil {
			w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("failed to count daily triggers")
			return
		}
		if count >= *alert.MaxTriggersPerDay {
			return
		}
	}

	w.trigger(ctx, alert, result, now)
}

func (w *Worker) trigger(ctx context.Context, alert persistence.Alert, result evaluator.Result, now int64) {
	notifyResults := map[string]notification.ChannelResult{}
	if w.notifier != nil {
		notifyResults = w.notifier.Send(ctx, alert, result)
	}

	evalJSON, err := json.Marshal(result)
	if err != nil {
		w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("failed to marshal evaluation result")
		evalJSON = []byte("{}")
	}
	notifyJSON, err := json.Marshal(notifyResults)
	if err != nil {
		w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("failed to marshal notification results")
		notifyJSON = []byte("{}")
	}

	if err := w.store.RecordTrigger(ctx, alert.AlertID, now, string(evalJSON), string(notifyJSON)); err != nil {
		w.log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("failed to record alert trigger")
	}
}
