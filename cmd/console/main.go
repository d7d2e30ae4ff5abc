package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-paygate/internal/console/handler"
	"github.com/xela07ax/spaceai-paygate/internal/console/server"
	"github.com/xela07ax/spaceai-paygate/internal/console/service"
	"github.com/xela07ax/spaceai-paygate/internal/custody"
	"github.com/xela07ax/spaceai-paygate/internal/engine"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
	"github.com/xela07ax/spaceai-paygate/internal/infra/auth"
	"github.com/xela07ax/spaceai-paygate/internal/ledger"
	"github.com/xela07ax/spaceai-paygate/internal/policy"
	"github.com/xela07ax/spaceai-paygate/internal/repository/postgres"
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

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Инициализация ресурсов
	ctx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	store, err := postgres.New(ctx, cfg.Database)
	pingCancel()
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

	// 2. Ключи и роли операторов
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("console private key", zap.Error(err))
	}
	authService := service.NewAuthService(store, privateKey, cfg.Auth.TokenTTL, cfg.Auth.BcryptCost)
	bootstrapAdmin(appCtx, store, authService, logger)

	rbac, err := auth.NewRBAC(cfg.Auth.RBACModelPath, cfg.Auth.RBACPolicyPath, logger)
	if err != nil {
		logger.Fatal("rbac", zap.Error(err))
	}

	// 3. Домены (Dependency Injection)
	holders, closeHolders, err := custody.DialHolders(cfg.Custody.Holders)
	if err != nil {
		logger.Fatal("custody holders", zap.Error(err))
	}
	defer closeHolders()
	wallets := custody.NewWalletManager(store, holders, cfg.Custody.RotationEvery, logger)

	flags := engine.NewFlagManager(rdb, store, logger)
	if err := flags.Init(appCtx); err != nil {
		logger.Fatal("failed to init agent flags", zap.Error(err))
	}
	go flags.StartListeners(appCtx)

	// Консоль не держит кэш политик: инвалидацию рассылает policy.Service
	policies := policy.NewService(store, nil, rdb, logger)
	// Решения исполняет шлюз, консоль только публикует команды
	dispatcher := engine.NewPublisher(rdb)

	srvHandler := server.NewConsoleServer(logger, authService, rbac, server.Handlers{
		Auth:      handler.NewAuthHandler(authService),
		Agents:    handler.NewAgentHandler(service.NewAgentService(store, wallets, flags, logger), logger),
		Policies:  handler.NewPolicyHandler(service.NewPolicyService(policies, wallets, logger)),
		Wallets:   handler.NewWalletHandler(service.NewWalletService(wallets)),
		Approvals: handler.NewApprovalHandler(service.NewApprovalService(store, dispatcher, logger)),
		Ledger:    handler.NewLedgerHandler(service.NewLedgerService(ledger.New(store, nil, logger))),
		Dashboard: handler.NewDashboardHandler(service.NewDashboardService(store, flags)),
	})

	// 4. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      srvHandler,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("console API exited properly")
}

// bootstrapAdmin заводит первого администратора, если пользователей еще нет.
func bootstrapAdmin(ctx context.Context, store *postgres.Store, authSvc *service.AuthService, logger *zap.Logger) {
	password := os.Getenv("PAYGATE_BOOTSTRAP_ADMIN_PASSWORD")
	if password == "" {
		return
	}
	n, err := store.CountUsers(ctx)
	if err != nil {
		logger.Fatal("count users", zap.Error(err))
	}
	if n > 0 {
		return
	}
	u, err := authSvc.CreateUser(ctx, "admin", password, "admin")
	if err != nil {
		logger.Fatal("bootstrap admin", zap.Error(err))
	}
	logger.Info("bootstrap admin created", zap.String("user_id", u.ID))
}
