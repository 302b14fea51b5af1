package status

import (
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/rpc"
)

// Server exposes a Service over gRPC.
type Server struct {
	addr    string
	grpcSrv *grpc.Server
}

// NewServer builds the listener wrapper around svc.
func NewServer(svc *Service, addr string) *Server {
	s := grpc.NewServer()
	rpc.RegisterStatusServiceServer(s, svc)
	return &Server{addr: addr, grpcSrv: s}
}

// Start binds the listener and serves until Stop. Blocks; run it on its
// own goroutine and watch the returned error.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	logger.Info("Status service listening", "addr", s.addr)
	return s.grpcSrv.Serve(lis)
}

// Stop drains in-flight RPCs and closes the listener.
func (s *Server) Stop() {
	s.grpcSrv.GracefulStop()
}
