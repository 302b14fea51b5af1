package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/cache"
	"github.com/quiver-im/quiver/pkg/chat"
	"github.com/quiver-im/quiver/pkg/db"
	"github.com/quiver-im/quiver/pkg/metrics"
	"github.com/quiver-im/quiver/pkg/rpc"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start a chat server",
	Long: `Start a chat server: it holds the persistent client connections,
routes messages between users, and forwards to sibling servers when the
addressee is connected elsewhere. The instance identity comes from the
[SelfServer] config section.`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Self.Name == "" {
		return fmt.Errorf("selfserver.name is required for the chat service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := metrics.NewPoolMetrics()
	cm := metrics.NewChatMetrics()

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

	statusClient, err := rpc.NewStatusClient(cfg.Status.Addr(), pm)
	if err != nil {
		return err
	}
	defer statusClient.Close()

	peerSet, err := rpc.NewPeerSet(cfg.Servers, cfg.Self.Name, pm)
	if err != nil {
		return err
	}
	defer peerSet.Close()

	startMetricsServer(ctx, cfg.Metrics.Port)

	users := chat.NewUserManager(cfg.Self.Name, sessionCache)
	server := chat.NewServer(cfg.Self.Name, cfg.Chat.IOLoops, cfg.Chat.IdleTimeout, users, sessionCache, cm)

	handlers := chat.NewHandlers(server, store, sessionCache, sessionCache, statusClient,
		chat.NewPeerNotifier(peerSet), cfg.Chat.OfflineMessages, cfg.Chat.MaxPendingApplies)
	handlers.RegisterAll(server.Dispatcher())

	if err := server.Start(ctx, fmt.Sprintf(":%d", cfg.Self.Port)); err != nil {
		return err
	}
	defer server.Stop()

	rpcServer := chat.NewRPCServer(chat.NewPeerService(server), fmt.Sprintf(":%d", cfg.Self.RPCPort))
	errChan := make(chan error, 1)
	go func() {
		errChan <- rpcServer.Start()
	}()

	logger.Info("Chat service running", "server", cfg.Self.Name,
		"port", cfg.Self.Port, "rpc_port", cfg.Self.RPCPort)

	select {
	case <-ctx.Done():
		logger.Info("Chat service shutdown signal received")
		rpcServer.Stop()
		<-errChan
		return nil
	case err := <-errChan:
		return err
	}
}
