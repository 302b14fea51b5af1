package commands

import (
	"context"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/metrics"
)

// startMetricsServer runs the Prometheus endpoint in the background when a
// port is configured. It rides the service context for shutdown.
func startMetricsServer(ctx context.Context, port int) {
	if port <= 0 || !metrics.IsEnabled() {
		return
	}
	server := metrics.NewServer(port)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
}
