package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-paygate/internal/compliance"
	"github.com/xela07ax/spaceai-paygate/internal/custody"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/engine"
	"github.com/xela07ax/spaceai-paygate/internal/identity"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
	"github.com/xela07ax/spaceai-paygate/internal/ledger"
	"github.com/xela07ax/spaceai-paygate/internal/policy"
	"github.com/xela07ax/spaceai-paygate/internal/repository/mysql"
	"github.com/xela07ax/spaceai-paygate/internal/repository/postgres"
	"github.com/xela07ax/spaceai-paygate/internal/risk"
	"github.com/xela07ax/spaceai-paygate/internal/settlement"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин.
	// При SIGTERM cancel() остановит слушателей, наблюдателя и потребителя
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Инфраструктура и ресурсы
	store, err := postgres.New(appCtx, cfg.Database)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer store.Close()
	if cfg.Database.Migrate {
		if err := store.Migrate(appCtx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Журнал: Postgres + асинхронная MySQL-реплика
	var (
		replica ledger.Replica
		mirror  *ledger.Mirror
	)
	if cfg.Replica.DSN != "" {
		mirrorRepo, err := mysql.Open(appCtx, cfg.Replica)
		if err != nil {
			logger.Fatal("ledger replica unreachable", zap.Error(err))
		}
		defer mirrorRepo.Close()
		mirror = ledger.NewMirror(mirrorRepo, ledger.MirrorConfig{
			Buffer:        cfg.Ledger.MirrorBuffer,
			BatchSize:     cfg.Ledger.MirrorBatchSize,
			FlushInterval: cfg.Ledger.MirrorFlushInterval,
		}, logger)
		mirror.Start()
		replica = mirror
		go reportMirror(appCtx, mirror, metrics)
	}
	auditLedger := ledger.New(store, replica, logger)

	// 3. Control Plane: флаги агентов и кэш политик
	flags := engine.NewFlagManager(rdb, store, logger)
	if err := flags.Init(appCtx); err != nil {
		logger.Fatal("failed to init agent flags", zap.Error(err))
	}
	go flags.StartListeners(appCtx)

	memo := policy.NewMemo(store, rdb, logger)
	go memo.StartListener(appCtx)

	// 4. Проверка мандатов и комплаенс
	verifier := identity.NewVerifier(store, store, identity.NewRedisNonceStore(rdb), cfg.Identity.SignatureWindow, logger)

	if err := cfg.Compliance.Risk.Validate(); err != nil {
		logger.Fatal("invalid risk thresholds", zap.Error(err))
	}
	provider := compliance.NewHTTPProvider(compliance.HTTPProviderConfig{
		Name:    "kyc-aml",
		BaseURL: cfg.Compliance.ProviderURL,
		APIKey:  cfg.Compliance.APIKey,
	}, infra.NewReliability(infra.ReliabilityConfig{
		Name:          "compliance",
		RatePerSec:    cfg.Compliance.RatePerSec,
		Burst:         cfg.Compliance.Burst,
		CallTimeout:   cfg.Compliance.Timeout,
		OnStateChange: metrics.BreakerChanged,
	}), risk.NewAnalyzer(cfg.Compliance.Risk, logger), logger)
	gate := compliance.NewGate(provider, compliance.NewRedisCache(rdb, logger), cfg.Compliance.Timeout, logger)

	// 5. Хранение ключей: кворум удаленных держателей
	guard, err := custody.NewGuard(appCtx)
	if err != nil {
		logger.Fatal("custody guard", zap.Error(err))
	}
	holders, closeHolders, err := custody.DialHolders(cfg.Custody.Holders)
	if err != nil {
		logger.Fatal("custody holders", zap.Error(err))
	}
	defer closeHolders()
	coordinator := custody.NewCoordinator(store, holders, guard, store, cfg.Custody.HolderTimeout, logger)

	// 6. Расчеты: узлы по рельсам с failover
	router, err := buildRouter(appCtx, cfg.Settlement, metrics, logger)
	if err != nil {
		logger.Fatal("settlement endpoints", zap.Error(err))
	}

	// 7. Core (сборка ядра)
	core := engine.NewCore(engine.Deps{
		Verifier: verifier,
		Gate:     gate,
		Policies: memo,
		Txs:      store,
		Signer:   coordinator,
		Settler:  router,
		Ledger:   auditLedger,
		Flags:    flags,
		Metrics:  metrics,
		Logger:   logger,
	})
	go core.ListenCommands(appCtx, rdb)

	// Финальность: вебхуки, очередь и опрос дополняют друг друга
	webhooks := settlement.NewWebhookHandler(core, cfg.Settlement.WebhookKeys, logger)
	go settlement.NewWatcher(store, router, core, cfg.Settlement.PollInterval, logger).Run(appCtx)
	if cfg.RabbitMQ.URL != "" {
		consumer, err := settlement.NewConsumer(settlement.ConsumerConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Workers:  cfg.RabbitMQ.Workers,
		}, core, logger)
		if err != nil {
			logger.Fatal("finality queue", zap.Error(err))
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(appCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("finality consumer stopped", zap.Error(err))
			}
		}()
	}

	// 8. HTTP: агентский API и метрики
	api := engine.NewAPI(core, metrics, logger)
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.Router(func(r chi.Router) { webhooks.Routes(r) }),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 9. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("paygate started", zap.String("addr", srv.Addr), zap.Int("holders", len(holders)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("paygate stopping...")
	cancel()

	// Даем 10 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	// Реплика дописывает буфер после того, как новые записи перестали приходить
	if mirror != nil {
		mirror.Stop()
	}
	logger.Info("paygate exited properly")
}

func buildRouter(ctx context.Context, cfg infra.SettlementConfig, metrics *engine.Metrics, logger *zap.Logger) (*settlement.Router, error) {
	endpoints, err := settlement.LoadEndpoints(cfg.EndpointsFile)
	if err != nil {
		return nil, err
	}
	var relayer *ecdsa.PrivateKey
	if cfg.RelayerKey != "" {
		relayer, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.RelayerKey, "0x"))
		if err != nil {
			return nil, err
		}
	}
	onchain, card, err := endpoints.Backends(ctx, relayer, logger)
	if err != nil {
		return nil, err
	}

	rc := infra.ReliabilityConfig{
		RatePerSec:    cfg.RatePerSec,
		Attempts:      cfg.Attempts,
		CallTimeout:   cfg.CallTimeout,
		MaxFailures:   cfg.MaxFailures,
		OpenTimeout:   cfg.OpenTimeout,
		OnStateChange: metrics.BreakerChanged,
	}
	var rails []*settlement.Failover
	if len(onchain) > 0 {
		rails = append(rails, settlement.NewFailover(domain.RailOnchain, onchain, rc, logger))
	}
	if len(card) > 0 {
		rails = append(rails, settlement.NewFailover(domain.RailCard, card, rc, logger))
	}
	return settlement.NewRouter(settlement.NewSimulated(), rails...), nil
}

// reportMirror публикует заполненность буфера реплики журнала.
func reportMirror(ctx context.Context, m *ledger.Mirror, metrics *engine.Metrics) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			metrics.LedgerMirrorBuffer.Set(float64(m.Buffered()))
		}
	}
}
