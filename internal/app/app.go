package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/delivery"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/mongodb"
	"github.com/heraldhq/herald/internal/monitor"
	"github.com/heraldhq/herald/internal/probeapi"
	"github.com/heraldhq/herald/internal/receipt"
	"github.com/heraldhq/herald/internal/supervisor"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config *config.Config
}

func New(cfg *config.Config) *App {
	return &App{
		config: cfg,
	}
}

func (a *App) Run(ctx context.Context) error {
	return run(ctx, a.config)
}

func run(mainContext context.Context, cfg *config.Config) (err error) {
	logger, err := logging.NewLogger(logging.WithLogLevel(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting herald worker", zap.Int("port", cfg.Port))

	if cfg.SentryDSN != "" {
		if sentryErr := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); sentryErr != nil {
			logger.Warn("sentry initialization failed", zap.Error(sentryErr))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, cancel := context.WithCancel(mainContext)
	defer cancel()

	m := metrics.New()

	// The probe surface comes up before anything else so the orchestrator
	// can scrape the startup probe while initialization runs.
	router := probeapi.NewRouter(logger, m.Registry)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router.Handler(gin.ReleaseMode),
	}
	go func() {
		if srvErr := srv.ListenAndServe(); srvErr != nil && !errors.Is(srvErr, http.ErrServerClosed) {
			logger.Error("probe server failed", zap.Error(srvErr))
		}
	}()

	store := mongodb.NewManager(cfg.Mongo.ToConfig(cfg.WorkerCount, cfg.APIInstanceCount), logger, m)
	queue := newQueueConn(cfg.Redis.ToConfig())

	receiptStore := &atomic.Pointer[receipt.Store]{}
	engine := delivery.NewEngine(queue, makeJobHandler(receiptStore, logger), logger, m,
		delivery.WithQueueKey(cfg.DeliveryQueueKey),
		delivery.WithPollTimeout(time.Duration(cfg.DeliveryPollSeconds)*time.Second),
		delivery.WithConcurrency(cfg.DeliveryMaxConcurrency),
	)
	mon := monitor.New(time.Duration(cfg.MonitorSampleSeconds)*time.Second, cfg.HeapThreshold, logger, m)

	sup := supervisor.New(logger, store, queue, engine, mon)
	router.SetSupervisor(sup)

	// Connection state changes feed the component tracker so /health shows
	// them without coupling the manager to the supervisor's internals.
	events := store.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				switch evt.Kind {
				case mongodb.EventConnected, mongodb.EventReconnected:
					sup.Tracker().MarkHealthy("mongodb")
				case mongodb.EventDisconnected:
					sup.Tracker().MarkFailed("mongodb")
				}
			}
		}
	}()

	// Uncaught synchronous faults funnel into the same shutdown routine as
	// termination signals, recorded under the "panic" reason.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("uncaught fault", zap.Any("panic", r))
			sentry.CurrentHub().Recover(r)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if shutdownErr := sup.Shutdown(shutdownCtx, "panic"); shutdownErr != nil {
				logger.Error("shutdown after fault failed", zap.Error(shutdownErr))
			}
			_ = srv.Shutdown(shutdownCtx)
			err = fmt.Errorf("uncaught fault: %v", r)
		}
	}()

	if startErr := sup.Start(ctx); startErr != nil {
		// Fatal: no partial-start retry at this layer.
		sentry.CaptureException(startErr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		return startErr
	}

	// The store is reachable now, so the receipt store can be constructed
	// and its indexes asserted.
	rs := receipt.NewStore(store.Database(), logger, m)
	if idxErr := rs.EnsureIndexes(ctx, cfg.ReceiptTTLDays); idxErr != nil {
		logger.Error("receipt index creation failed", zap.Error(idxErr))
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		shutdownErr := sup.Shutdown(shutdownCtx, "init_failure")
		_ = srv.Shutdown(shutdownCtx)
		return errors.Join(idxErr, shutdownErr)
	}
	receiptStore.Store(rs)

	go store.RunStatsLogger(ctx)
	go runReceiptJanitor(ctx, receiptStore, cfg.ReceiptTTLDays, logger)

	// Await termination: a signal, or a fatal fault escaping a delivery
	// handler. Both funnel into the same graceful shutdown.
	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	var fatalErr error
	select {
	case sig := <-termChan:
		shutdownReason = sig.String()
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case fault := <-engine.Faults():
		shutdownReason = "panic"
		fatalErr = fault
		logger.Error("fatal fault in delivery handler", zap.Error(fault))
		sentry.CaptureException(fault)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	err = errors.Join(fatalErr, sup.Shutdown(shutdownCtx, shutdownReason))
	if srvErr := srv.Shutdown(shutdownCtx); srvErr != nil {
		err = errors.Join(err, srvErr)
	}

	logger.Info("herald shutdown complete")
	return err
}
