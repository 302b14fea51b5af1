package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/cache"
	"github.com/quiver-im/quiver/pkg/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Start the status placement service",
	Long: `Start the status service: it places each login on the least-loaded
chat server and issues the session token the chat server verifies.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionCache, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer sessionCache.Close()

	startMetricsServer(ctx, cfg.Metrics.Port)

	svc := status.NewService(sessionCache, cfg.Servers, cfg.Status)
	server := status.NewServer(svc, cfg.Status.Addr())

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Status service shutdown signal received")
		server.Stop()
		<-errChan
		return nil
	case err := <-errChan:
		return err
	}
}
