package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/client/chat"
	"github.com/t77yq/alertflow/internal/client/sms"
	"github.com/t77yq/alertflow/internal/client/tracker"
	"github.com/t77yq/alertflow/internal/config"
	"github.com/t77yq/alertflow/internal/dispatch"
	"github.com/t77yq/alertflow/internal/events"
	"github.com/t77yq/alertflow/internal/executor"
	"github.com/t77yq/alertflow/internal/handler"
	"github.com/t77yq/alertflow/internal/ingest"
	"github.com/t77yq/alertflow/internal/model"
	"github.com/t77yq/alertflow/internal/monitor"
	"github.com/t77yq/alertflow/internal/render"
	"github.com/t77yq/alertflow/internal/rules"
	"github.com/t77yq/alertflow/internal/scheduler"
	"github.com/t77yq/alertflow/internal/service"
	"github.com/t77yq/alertflow/internal/silence"
	"github.com/t77yq/alertflow/internal/storage"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	retries := cfg.NATS.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(cfg.NATS.URLs[0], opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := connectNATS(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	store, err := storage.Open(storage.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		LogLevel:     cfg.Database.LogLevel,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer store.Close()

	history, err := storage.NewSQLiteDeliveryHistory(logger, cfg.History.Path)
	if err != nil {
		logger.Fatal("Failed to create delivery history storage", zap.Error(err))
	}
	defer history.Close()

	// Metrics
	var sink monitor.Sink
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, metrics snapshots will fail until it recovers", zap.Error(err))
		}
		sink = monitor.NewRedisSink(rdb, cfg.App.Name, cfg.Redis.TTL)
	}
	metrics := monitor.NewPrometheusCollector(monitor.CollectorConfig{
		TextfilePath: cfg.Metrics.TextfilePath,
		ProcessStats: cfg.Metrics.ProcessStats,
	}, sink, logger)
	metrics.Start(ctx)

	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Event pipeline
	silenceEngine := silence.NewEngine(store, metrics, logger)
	processor := ingest.NewProcessor(store, metrics, logger)
	resolver := rules.NewResolver(store, logger)

	renderer, err := render.NewPongoRenderer(metrics, logger)
	if err != nil {
		logger.Fatal("Failed to create template renderer", zap.Error(err))
	}

	taskScheduler, err := scheduler.NewNATSScheduler(js, logger)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}

	retryManager := scheduler.NewRetryManager(js, scheduler.RetryPolicy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
		CallTimeout:  cfg.Retry.CallTimeout,
	}, logger)

	taskExecutor := executor.NewExecutor(js, executor.ExecutorConfig{
		Workers:    cfg.Dispatch.Workers,
		AckWait:    cfg.Dispatch.AckWait,
		MaxDeliver: cfg.Dispatch.MaxDeliver,
	}, retryManager, history, metrics, logger)

	// the silence engine runs first so routers see the current silence state
	bus := events.NewBus(logger)
	bus.Subscribe(silenceEngine)

	if cfg.Jira.Enabled {
		trackerConfig := tracker.Config{
			URL:              cfg.Jira.URL,
			Username:         cfg.Jira.Username,
			Token:            cfg.Jira.Token,
			Timeout:          cfg.Jira.Timeout,
			OpenCategories:   cfg.Jira.OpenCategories,
			ClosedCategories: cfg.Jira.ClosedCategories,
		}
		jiraClient, err := tracker.NewJiraClient(trackerConfig, logger)
		if err != nil {
			logger.Fatal("Failed to create Jira client", zap.Error(err))
		}
		taskExecutor.RegisterHandler(model.TaskKindTicket,
			handler.NewTicketHandler(store, jiraClient, trackerConfig, renderer, metrics, logger))
		bus.Subscribe(dispatch.NewRouter(model.FamilyTicketing, resolver, taskScheduler, metrics, logger))
	}

	if cfg.Slack.Enabled {
		slackClient := chat.NewSlackClient(chat.Config{
			Token:   cfg.Slack.Token,
			APIURL:  cfg.Slack.APIURL,
			Timeout: cfg.Slack.Timeout,
		}, logger)
		taskExecutor.RegisterHandler(model.TaskKindChat,
			handler.NewChatHandler(store, slackClient, renderer, metrics, logger))
		bus.Subscribe(dispatch.NewRouter(model.FamilyChat, resolver, taskScheduler, metrics, logger))
	}

	if cfg.SMS.Enabled {
		gateway, err := sms.NewGatewayClient(sms.Config{
			URL:     cfg.SMS.URL,
			APIKey:  cfg.SMS.APIKey,
			Sender:  cfg.SMS.Sender,
			Timeout: cfg.SMS.Timeout,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create SMS gateway client", zap.Error(err))
		}
		taskExecutor.RegisterHandler(model.TaskKindSMS,
			handler.NewSmsHandler(store, gateway, resolver, renderer, metrics, logger))
		bus.Subscribe(dispatch.NewRouter(model.FamilySMS, resolver, taskScheduler, metrics, logger))
	}

	logger.Info("Event subscribers registered", zap.Strings("subscribers", bus.Subscribers()))

	if err := taskExecutor.Start(); err != nil {
		logger.Fatal("Failed to start executor", zap.Error(err))
	}

	if err := service.EnsureStream(ctx, js, logger); err != nil {
		logger.Fatal("Failed to create alert stream", zap.Error(err))
	}
	consumer := service.NewAlertConsumer(js, service.ConsumerConfig{
		Subject:    cfg.NATS.Subject,
		Durable:    cfg.NATS.Durable,
		AckWait:    cfg.NATS.AckWait,
		MaxDeliver: cfg.NATS.MaxDeliver,
	}, processor, bus, metrics, logger)
	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()
	if err := consumer.Start(consumeCtx); err != nil {
		logger.Fatal("Failed to start alert consumer", zap.Error(err))
	}

	// Maintenance jobs
	cron := scheduler.NewCronScheduler(cfg.Maintenance.JobTimeout, logger)
	jobs := []struct {
		name       string
		expression string
		fn         scheduler.JobFunc
	}{
		{"metrics-flush", cfg.Maintenance.MetricsFlush, metrics.Flush},
		{"silence-sweep", cfg.Maintenance.SilenceSweep, func(ctx context.Context) error {
			checked, silenced, err := silenceEngine.EvaluateAll(ctx)
			if err == nil {
				logger.Debug("Silence sweep finished",
					zap.Int("checked", checked),
					zap.Int("silenced", silenced))
			}
			return err
		}},
		{"history-cleanup", cfg.Maintenance.HistoryCleanup, func(ctx context.Context) error {
			deleted, err := taskExecutor.CleanupOldHistory(ctx, time.Now().Add(-cfg.History.Retention))
			if err == nil && deleted > 0 {
				logger.Info("Delivery history cleaned up", zap.Int64("deleted", deleted))
			}
			return err
		}},
	}
	for _, job := range jobs {
		if err := cron.AddJob(job.name, job.expression, job.fn); err != nil {
			logger.Fatal("Failed to schedule maintenance job",
				zap.String("job", job.name),
				zap.Error(err))
		}
	}
	cron.Start()

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	// stop taking alerts first, then let running tasks finish
	stopConsuming()
	select {
	case <-consumer.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Alert consumer did not stop in time")
	}

	taskExecutor.Stop(shutdownCtx)
	cron.Stop()
	metrics.Stop(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}

	if err := nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
}
