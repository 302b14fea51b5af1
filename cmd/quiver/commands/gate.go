package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/cache"
	"github.com/quiver-im/quiver/pkg/db"
	"github.com/quiver-im/quiver/pkg/gate"
	"github.com/quiver-im/quiver/pkg/metrics"
	"github.com/quiver-im/quiver/pkg/rpc"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Start the gate HTTP service",
	Long: `Start the gate service: the HTTP front door for verification codes,
registration, password reset, and login. Login ends with a referral to a
chat server obtained from the status service.`,
	RunE: runGate,
}

func runGate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := metrics.NewPoolMetrics()

	store, err := db.Open(db.Config{
		Driver:   db.DriverMySQL,
		DSN:      cfg.Mysql.DSN(),
		PoolSize: cfg.Mysql.PoolSize,
	}, pm)
	if err != nil {
		return err
	}
	defer store.Close()

	sessionCache, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer sessionCache.Close()

	verifyClient, err := rpc.NewVerifyClient(cfg.Verify.Addr(), pm)
	if err != nil {
		return err
	}
	defer verifyClient.Close()

	statusClient, err := rpc.NewStatusClient(cfg.Status.Addr(), pm)
	if err != nil {
		return err
	}
	defer statusClient.Close()

	startMetricsServer(ctx, cfg.Metrics.Port)

	handlers := gate.NewHandlers(store, sessionCache, verifyClient, statusClient)
	server := gate.NewServer(cfg.Gate, handlers)

	logger.Info("Starting gate service", "port", cfg.Gate.Port)
	return server.Start(ctx)
}
