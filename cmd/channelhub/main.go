// Package main запускает HTTP-сервер хаба платёжных каналов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/channel-hub/internal/bridge"
	"github.com/mmeshcher/channel-hub/internal/clearing"
	"github.com/mmeshcher/channel-hub/internal/config"
	"github.com/mmeshcher/channel-hub/internal/events"
	"github.com/mmeshcher/channel-hub/internal/fake"
	"github.com/mmeshcher/channel-hub/internal/handler"
	"github.com/mmeshcher/channel-hub/internal/ledger"
	"github.com/mmeshcher/channel-hub/internal/lock"
	"github.com/mmeshcher/channel-hub/internal/middleware"
	"github.com/mmeshcher/channel-hub/internal/monitor"
	"github.com/mmeshcher/channel-hub/internal/registry"
	"github.com/mmeshcher/channel-hub/internal/repository"
	"github.com/mmeshcher/channel-hub/internal/settlement"
	"github.com/mmeshcher/channel-hub/internal/signature"
	"github.com/mmeshcher/channel-hub/internal/vault"
)

// store объединяет хранилища каналов, платежей и заданий.
type store interface {
	ledger.Store
	clearing.PaymentStore
	settlement.JobStore
	settlement.PaymentMarker
	Close() error
}

const lockTTL = 10 * time.Minute

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo store
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI not set, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}
	defer repo.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)

	bus := events.NewBus(logger)
	defer bus.Close()

	var sink events.Sink
	switch {
	case len(cfg.KafkaBrokers) > 0:
		sink = events.NewKafkaSink(cfg.KafkaBrokers)
	case redisClient != nil:
		sink = events.NewRedisStreamSink(redisClient, 10000)
	}

	var locker settlement.Locker = lock.NewMemoryLocker()
	if redisClient != nil {
		locker = lock.NewRedisLocker(redisClient, lockTTL)
	}

	l := ledger.New(repo)
	clr := clearing.NewService(l, repo, signature.NewVerifier(), bus, metrics, logger)

	orch := settlement.NewOrchestrator(settlement.Deps{
		Ledger:    l,
		Jobs:      repo,
		Payments:  repo,
		Registry:  newRegistry(cfg, sugar),
		Bridge:    newBridge(cfg, sugar),
		Vault:     newVault(cfg, sugar),
		Publisher: bus,
		Locker:    locker,
		Metrics:   metrics,
		Logger:    logger,
	}, settlement.Config{
		BridgeMaxAttempts: cfg.BridgeMaxAttempts,
		BridgeBackoffBase: cfg.BridgeBackoffBase,
		BridgeBackoffMax:  cfg.BridgeBackoffMax,
		CallTimeout:       cfg.ExternalCallTimeout,
		DestChain:         cfg.DestChain,
		DefaultVault:      cfg.DefaultVault,
		ScheduleWindow:    cfg.ScheduleWindow,
	})

	var auth *middleware.OperatorAuth
	if cfg.OperatorSecret != "" {
		auth = middleware.NewOperatorAuth(cfg.OperatorSecret)
	} else {
		sugar.Warn("OPERATOR_SECRET not set, settlement routes are not protected")
	}

	h := handler.NewHandler(clr, l, orch, logger, auth, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Пересылка событий во внешний брокер
	if sink != nil {
		in, unsubscribe := bus.Subscribe(1024)
		forwarder := events.NewForwarder(sink, cfg.EventsTopic, logger)
		g.Go(func() error {
			defer sink.Close()
			defer unsubscribe()
			forwarder.Run(ctx, in)
			return nil
		})
	}

	// Плановые расчёты
	g.Go(func() error {
		orch.StartScheduler(ctx, cfg.SchedulerInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting channel hub", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	err = g.Wait()

	// Хранилища закрываются только после завершения запущенных расчётов
	sugar.Info("waiting for in-flight settlements...")
	orch.Wait()

	if err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newRegistry(cfg *config.Config, sugar *zap.SugaredLogger) settlement.PreferenceRegistry {
	if cfg.RegistryAddress == "" {
		sugar.Warn("PREFERENCE_REGISTRY_ADDRESS not set, using in-memory registry")
		return fake.NewRegistry()
	}
	return registry.NewClient(cfg.RegistryAddress, cfg.ExternalCallTimeout)
}

func newBridge(cfg *config.Config, sugar *zap.SugaredLogger) settlement.BridgeProvider {
	if cfg.BridgeAddress == "" {
		sugar.Warn("BRIDGE_ADDRESS not set, using in-memory bridge")
		return fake.NewBridge(0)
	}
	return bridge.NewClient(cfg.BridgeAddress, cfg.SourceChain, cfg.ExternalCallTimeout)
}

func newVault(cfg *config.Config, sugar *zap.SugaredLogger) settlement.VaultService {
	if cfg.VaultAddress == "" {
		sugar.Warn("VAULT_SERVICE_ADDRESS not set, using in-memory vault")
		return fake.NewVault()
	}
	return vault.NewClient(cfg.VaultAddress, cfg.ExternalCallTimeout)
}
