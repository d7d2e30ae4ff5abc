// keyshare — процесс держателя одной доли ключа. Запускается отдельно для
// каждого держателя кворума; подписывает только после собственной проверки
// аттестации (custody.Guard).
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/spaceai-paygate/internal/custody"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
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

	if cfg.Custody.HolderID == "" {
		logger.Fatal("custody.holder_id is required")
	}
	guard, err := custody.NewGuard(context.Background())
	if err != nil {
		logger.Fatal("custody guard", zap.Error(err))
	}
	holder := custody.NewLocalHolder(cfg.Custody.HolderID, guard, logger)

	grpcSrv := grpc.NewServer()
	custody.RegisterKeyShareServer(grpcSrv, custody.NewHolderServer(holder, logger))

	lis, err := net.Listen("tcp", cfg.Custody.ListenAddr)
	if err != nil {
		logger.Fatal("failed to listen gRPC", zap.Error(err))
	}
	go func() {
		logger.Info("key share holder started",
			zap.String("holder_id", holder.ID()),
			zap.String("addr", cfg.Custody.ListenAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Fatal("failed to serve gRPC", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	grpcSrv.GracefulStop()
	logger.Info("key share holder exited properly")
}
