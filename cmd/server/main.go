// Command server is the F&O analytics and trade-automation process: it
// wires together the tick aggregator (C1), the alert evaluation worker
// (C2), and the position-change detector plus order-cleanup worker (C3)
// around a shared SQLite persistence layer and HTTP surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nsefo/sentinel/internal/aggregator"
	"github.com/nsefo/sentinel/internal/broker"
	"github.com/nsefo/sentinel/internal/config"
	"github.com/nsefo/sentinel/internal/database"
	"github.com/nsefo/sentinel/internal/evaluator"
	"github.com/nsefo/sentinel/internal/events"
	"github.com/nsefo/sentinel/internal/hub"
	"github.com/nsefo/sentinel/internal/ingest"
	"github.com/nsefo/sentinel/internal/modules/settings"
	"github.com/nsefo/sentinel/internal/notification"
	"github.com/nsefo/sentinel/internal/persistence"
	"github.com/nsefo/sentinel/internal/position"
	"github.com/nsefo/sentinel/internal/reliability"
	"github.com/nsefo/sentinel/internal/scheduler"
	"github.com/nsefo/sentinel/internal/server"
	"github.com/nsefo/sentinel/internal/worker/cleanup"
	"github.com/nsefo/sentinel/internal/worker/evaluation"
	"github.com/nsefo/sentinel/internal/worker/positionpoll"
	"github.com/nsefo/sentinel/pkg/logger"
)

func main() {
	bootLog := logger.New(logger.Config{Level: "info", Pretty: true})

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting sentinel")

	databases, err := openDatabases(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open databases")
	}
	defer closeDatabases(databases, log)

	settingsRepo := settings.NewRepository(databases["settings"].Conn(), log)
	if err := cfg.UpdateFromSettings(settingsRepo); err != nil {
		log.Warn().Err(err).Msg("failed to overlay broker credentials from settings database")
	}

	marketStore := persistence.NewMarketStore(databases["market"].Conn(), log)
	alertStore := persistence.NewAlertStore(databases["alerts"].Conn(), log)
	notificationStore := persistence.NewNotificationStore(databases["alerts"].Conn(), log)
	positionStore := persistence.NewPositionStore(databases["positions"].Conn(), log)
	strategyStore := persistence.NewStrategyStore(databases["settings"].Conn(), log)

	brokerProxy := broker.NewProxy(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerAPISecret, log)
	defer brokerProxy.Close()

	bus := events.NewBus(log)
	fanoutHub := hub.New(log)

	agg := aggregator.New(aggregator.Config{
		Timeframes:         cfg.Timeframes,
		PersistTimeframes:  cfg.PersistTimeframes,
		FlushLagSeconds:    cfg.FlushLagSeconds,
		PersistConcurrency: cfg.PersistConcurrency,
		StrikeGap:          cfg.StrikeGap,
	}, marketStore, fanoutHub, encodeBroadcast, log)

	ingestLoop := ingest.New(cfg.PubSubURL, agg, log)

	eval := evaluator.New(evaluator.Config{
		TickerServiceURL: cfg.TickerServiceURL,
		BackendURL:       cfg.BackendServiceURL,
		Timeout:          cfg.EvaluatorHTTPTimeout,
		Market:           marketStore,
	}, log)
	defer eval.Close()

	notifiers := []notification.Provider{notification.NewLogProvider(log)}
	if cfg.TelegramBotToken != "" {
		notifiers = append(notifiers, notification.NewTelegramProvider(cfg.TelegramBotToken, cfg.GlobalTelegramRateLimit, cfg.NotificationRetryAttempts, cfg.NotificationRetryBackoff, log))
	}
	notifier := notification.New(notificationStore, notifiers, log)

	evalWorker := evaluation.New(alertStore, eval, notifier, evaluation.Config{
		BatchSize:          cfg.EvaluationBatchSize,
		Concurrency:        cfg.EvaluationConcurrency,
		MinIntervalSeconds: cfg.MinEvaluationIntervalSeconds,
	}, log)

	tracker := position.New(bus, log)
	for _, accountID := range cfg.BrokerAccountIDs {
		seedPositionTracker(tracker, positionStore, accountID, log)
	}

	cleanupWorker := cleanup.New(positionStore, strategyStore, brokerProxy, log)
	unsubscribeCleanup := tracker.RegisterListener(cleanupWorker.Handle, cleanupWorker.Filter)
	defer unsubscribeCleanup()

	pollWorker := positionpoll.New(brokerProxy, tracker, positionStore, positionpoll.Config{
		AccountIDs:          cfg.BrokerAccountIDs,
		PollIntervalSeconds: cfg.PositionPollIntervalSeconds,
	}, log)

	httpServer := server.New(server.Config{
		Port:    cfg.Port,
		Log:     log,
		Market:  marketStore,
		Hub:     fanoutHub,
		DevMode: cfg.DevMode,
	})

	sched := scheduler.New(log)
	if err := registerMaintenanceJobs(sched, databases, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("failed to register maintenance jobs")
	}
	sched.Start()
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())

	go ingestLoop.Run(ctx)
	go evalWorker.Run(ctx)
	go pollWorker.Run(ctx)
	go func() {
		if err := httpServer.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("sentinel started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	agg.FlushAll(shutdownCtx)
	log.Info().Msg("sentinel stopped")
}

// openDatabases opens and migrates the four domain databases.
func openDatabases(cfg *config.Config) (map[string]*database.DB, error) {
	specs := []struct {
		name string
		file string
	}{
		{"market", "market.db"},
		{"alerts", "alerts.db"},
		{"positions", "positions.db"},
		{"settings", "settings.db"},
	}

	out := make(map[string]*database.DB, len(specs))
	for _, s := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, s.file),
			Profile: database.ProfileStandard,
			Name:    s.name,
		})
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			return nil, err
		}
		out[s.name] = db
	}
	return out, nil
}

func closeDatabases(databases map[string]*database.DB, log zerolog.Logger) {
	for name, db := range databases {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Str("database", name).Msg("failed to close database")
		}
	}
}

// seedPositionTracker warm-starts the in-memory tracker from the last
// persisted snapshot so a restart doesn't replay OPENED events for
// positions that were already open before the process died.
func seedPositionTracker(tracker *position.Tracker, store *persistence.PositionStore, accountID string, log zerolog.Logger) {
	rows, err := store.LoadSnapshot(context.Background(), accountID)
	if err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("failed to load warm-start position snapshot")
		return
	}
	positions := make([]position.Position, len(rows))
	for i, r := range rows {
		positions[i] = position.Position{
			TradingSymbol: r.TradingSymbol, Exchange: r.Exchange, Product: r.Product,
			Quantity: r.Quantity, AveragePrice: r.AveragePrice, LastPrice: r.LastPrice, PNL: r.PNL, DayPNL: r.DayPNL,
		}
	}
	tracker.Seed(accountID, positions)
}

// encodeBroadcast serializes a live bucket with msgpack for the hub's hot
// broadcast path, avoiding encoding/json's reflection overhead at tick rate.
func encodeBroadcast(payload aggregator.BroadcastPayload) ([]byte, error) {
	return msgpack.Marshal(payload)
}

// backupJob adapts S3BackupService to the scheduler.Job interface.
type backupJob struct {
	svc *reliability.S3BackupService
}

func (j *backupJob) Name() string { return "s3_backup" }

func (j *backupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return j.svc.CreateAndUploadBackup(ctx)
}

// registerMaintenanceJobs wires the cron-scheduled integrity/backup jobs,
// grounded on the teacher's cmd/server/main.go registerJobs helper.
func registerMaintenanceJobs(sched *scheduler.Scheduler, databases map[string]*database.DB, cfg *config.Config, log zerolog.Logger) error {
	walJob := scheduler.NewCheckWALCheckpointsJob(databases["market"], databases["alerts"], databases["positions"], databases["settings"])
	walJob.SetLogger(log)
	if err := sched.AddJob("0 */10 * * * *", walJob); err != nil {
		return err
	}

	integrityJob := scheduler.NewCheckCoreDatabasesJob(databases["market"], databases["alerts"], databases["positions"], databases["settings"])
	integrityJob.SetLogger(log)
	if err := sched.AddJob("0 0 3 * * *", integrityJob); err != nil {
		return err
	}

	if cfg.BackupBucket == "" {
		log.Info().Msg("BACKUP_BUCKET not configured, skipping S3 backup job")
		return nil
	}

	backupSvc, err := reliability.NewS3BackupService(context.Background(), cfg.BackupBucket, cfg.BackupRegion, "", databases, cfg.DataDir, log)
	if err != nil {
		return err
	}
	return sched.AddJob("0 30 2 * * *", &backupJob{svc: backupSvc})
}
