package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/chat/ioloop"
	"github.com/quiver-im/quiver/pkg/metrics"
)

// LoginCounter maintains this server's connection count in the shared
// cache, read by the status service for placement. *cache.Cache satisfies
// it.
type LoginCounter interface {
	IncrLoginCount(ctx context.Context, server string) (int64, error)
	DecrLoginCount(ctx context.Context, server string) error
	ResetLoginCount(ctx context.Context, server string) error
}

// Server accepts chat connections and owns their sessions. Each accepted
// connection gets a session pinned to one I/O loop; all message handling
// funnels through the dispatcher.
type Server struct {
	name        string
	idleTimeout time.Duration

	loops      *ioloop.Pool
	dispatcher *Dispatcher
	users      *UserManager
	counter    LoginCounter
	metrics    *metrics.ChatMetrics

	mu       sync.Mutex
	sessions map[string]*Session

	listener net.Listener

	quit         chan struct{}
	acceptDone   chan struct{}
	sweeperDone  chan struct{}
	shutdownOnce sync.Once
}

// NewServer wires the chat server. Register handlers on Dispatcher()
// before Start.
func NewServer(name string, ioLoops int, idleTimeout time.Duration, users *UserManager, counter LoginCounter, cm *metrics.ChatMetrics) *Server {
	return &Server{
		name:        name,
		idleTimeout: idleTimeout,
		loops:       ioloop.NewPool(ioLoops),
		dispatcher:  NewDispatcher(cm),
		users:       users,
		counter:     counter,
		metrics:     cm,
		sessions:    make(map[string]*Session),
		quit:        make(chan struct{}),
		acceptDone:  make(chan struct{}),
		sweeperDone: make(chan struct{}),
	}
}

// Dispatcher exposes the handler registry.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Users exposes the uid registry.
func (s *Server) Users() *UserManager {
	return s.users
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.name
}

// Start binds the listener and launches the accept loop, the dispatcher,
// and the idle sweeper. The shared connection count is zeroed first so a
// previous crash cannot skew placement.
func (s *Server) Start(ctx context.Context, addr string) error {
	if err := s.counter.ResetLoginCount(ctx, s.name); err != nil {
		return fmt.Errorf("failed to reset login count: %w", err)
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = lis

	s.dispatcher.Start(ctx)
	go s.acceptLoop()
	go s.sweeper()

	logger.Info("Chat server listening", "server", s.name, "addr", addr)
	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// acceptLoop hands each accepted connection a session on the next I/O
// loop. Exits when the listener closes.
func (s *Server) acceptLoop() {
	defer close(s.acceptDone)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.quit:
				return
			default:
			}
			logger.Warn("Accept failed", "error", err)
			continue
		}

		sess := newSession(conn, s.loops.Next(), s)
		s.mu.Lock()
		s.sessions[sess.id] = sess
		n := len(s.sessions)
		s.mu.Unlock()
		s.metrics.SetActiveSessions(n)

		logger.Debug("Session accepted", "session", sess.id, "remote", sess.RemoteAddr())
		sess.start()
	}
}

// sweeper closes sessions with no inbound frame for idleTimeout. Runs at
// half the timeout so a session is reaped at most 1.5x late.
func (s *Server) sweeper() {
	defer close(s.sweeperDone)

	interval := s.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			stale := make([]*Session, 0)
			for _, sess := range s.sessions {
				if sess.idleSince(now) >= s.idleTimeout {
					stale = append(stale, sess)
				}
			}
			s.mu.Unlock()

			for _, sess := range stale {
				logger.Info("Closing idle session", "session", sess.id, "uid", sess.UID())
				sess.Close(CloseIdle)
			}
		}
	}
}

// bindUser binds uid to sess and bumps the shared connection count.
// Returns the displaced session when uid was already logged in here.
// A session that is already bound is counted exactly once: a repeated
// login, or a login under a new uid, must not inflate the count.
func (s *Server) bindUser(ctx context.Context, uid int64, sess *Session) *Session {
	old := sess.UID()
	prev := s.users.Bind(ctx, uid, sess)
	if old == uid {
		return prev
	}
	if old != 0 {
		// The session switched uids; drop the old binding and keep the
		// one slot it already holds in the count.
		s.users.Unbind(ctx, old, sess)
		return prev
	}
	if _, err := s.counter.IncrLoginCount(ctx, s.name); err != nil {
		logger.Error("Failed to bump login count", "server", s.name, "error", err)
	}
	return prev
}

// removeSession forgets a closing session, releasing its uid binding and
// its slot in the shared connection count.
func (s *Server) removeSession(sess *Session, reason string) {
	s.mu.Lock()
	_, tracked := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	n := len(s.sessions)
	s.mu.Unlock()

	if !tracked {
		return
	}
	s.metrics.SetActiveSessions(n)
	s.metrics.RecordSessionClosed(reason)

	if uid := sess.uid.Load(); uid != 0 {
		ctx := context.Background()
		s.users.Unbind(ctx, uid, sess)
		if err := s.counter.DecrLoginCount(ctx, s.name); err != nil {
			logger.Error("Failed to lower login count", "server", s.name, "error", err)
		}
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop tears the server down: stop accepting, close every session, drain
// the dispatcher, stop the I/O loops. Safe to call more than once.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		<-s.acceptDone
		<-s.sweeperDone

		s.mu.Lock()
		open := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			open = append(open, sess)
		}
		s.mu.Unlock()
		for _, sess := range open {
			sess.Close(CloseShutdown)
		}

		s.dispatcher.Stop()
		s.loops.Stop()
		logger.Info("Chat server stopped", "server", s.name)
	})
}
