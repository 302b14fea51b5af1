package chat

import (
	"context"
	"sync"

	"github.com/quiver-im/quiver/internal/logger"
)

// Router is the routing slice of the session cache: which chat server owns
// each uid. *cache.Cache satisfies it.
type Router interface {
	SetUserServer(ctx context.Context, uid int64, server string) error
	GetUserServer(ctx context.Context, uid int64) (string, error)
	DelUserServer(ctx context.Context, uid int64) error
}

// UserManager maps logged-in uids to their sessions and mirrors the
// binding into the shared routing table so peers can find them.
type UserManager struct {
	serverName string
	router     Router

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewUserManager builds the uid registry for this server.
func NewUserManager(serverName string, router Router) *UserManager {
	return &UserManager{
		serverName: serverName,
		router:     router,
		sessions:   make(map[int64]*Session),
	}
}

// Bind associates uid with sess and publishes the routing entry. If uid
// was already bound to a different live session, that session is returned
// so the caller can kick it.
func (m *UserManager) Bind(ctx context.Context, uid int64, sess *Session) *Session {
	m.mu.Lock()
	prev := m.sessions[uid]
	m.sessions[uid] = sess
	m.mu.Unlock()

	sess.uid.Store(uid)

	if err := m.router.SetUserServer(ctx, uid, m.serverName); err != nil {
		logger.Error("Failed to publish routing entry", "uid", uid, "error", err)
	}

	if prev == sess {
		return nil
	}
	return prev
}

// Unbind forgets uid's binding, but only when sess still owns it: a stale
// session closing after a rebind must not evict its successor.
func (m *UserManager) Unbind(ctx context.Context, uid int64, sess *Session) {
	m.mu.Lock()
	current, ok := m.sessions[uid]
	if !ok || current != sess {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, uid)
	m.mu.Unlock()

	if err := m.router.DelUserServer(ctx, uid); err != nil {
		logger.Error("Failed to clear routing entry", "uid", uid, "error", err)
	}
}

// Get returns the live session for uid, if any.
func (m *UserManager) Get(uid int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uid]
	return s, ok
}

// Count returns the number of bound users.
func (m *UserManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
