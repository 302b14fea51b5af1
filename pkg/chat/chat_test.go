package chat

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quiver-im/quiver/pkg/cache"
	"github.com/quiver-im/quiver/pkg/chat/proto"
	"github.com/quiver-im/quiver/pkg/db"
	"github.com/quiver-im/quiver/pkg/rpc"
)

// fakeCounter is an in-memory LoginCounter.
type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64)}
}

func (f *fakeCounter) IncrLoginCount(_ context.Context, server string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[server]++
	return f.counts[server], nil
}

func (f *fakeCounter) DecrLoginCount(_ context.Context, server string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[server]--
	return nil
}

func (f *fakeCounter) ResetLoginCount(_ context.Context, server string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[server] = 0
	return nil
}

func (f *fakeCounter) count(server string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[server]
}

// fakeRouter is an in-memory Router.
type fakeRouter struct {
	mu sync.Mutex
	m  map[int64]string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{m: make(map[int64]string)}
}

func (f *fakeRouter) SetUserServer(_ context.Context, uid int64, server string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[uid] = server
	return nil
}

func (f *fakeRouter) GetUserServer(_ context.Context, uid int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, ok := f.m[uid]
	if !ok {
		return "", cache.ErrNotFound
	}
	return server, nil
}

func (f *fakeRouter) DelUserServer(_ context.Context, uid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, uid)
	return nil
}

func (f *fakeRouter) owner(uid int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[uid]
}

// fakeProfiles is an in-memory ProfileCache.
type fakeProfiles struct {
	mu sync.Mutex
	m  map[int64]*cache.Profile
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{m: make(map[int64]*cache.Profile)}
}

func (f *fakeProfiles) GetProfile(_ context.Context, uid int64) (*cache.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.m[uid]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return p, nil
}

func (f *fakeProfiles) SetProfile(_ context.Context, p *cache.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[p.UID] = p
	return nil
}

// fakeVerifier answers token checks with a fixed verdict.
type fakeVerifier struct {
	code int
}

func (f *fakeVerifier) Login(_ context.Context, uid int64, token string) (*rpc.LoginRsp, error) {
	return &rpc.LoginRsp{Error: f.code, Uid: uid, Token: token}, nil
}

// fakePeers records peer notifies instead of calling anything.
type fakePeers struct {
	mu        sync.Mutex
	addCalls  []*rpc.AddFriendReq
	authCalls []*rpc.AuthFriendReq
	textCalls []*rpc.TextChatMsgReq
	kickCalls []*rpc.KickUserReq
	delivered bool
}

func (f *fakePeers) NotifyAddFriend(_ context.Context, _ string, req *rpc.AddFriendReq) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls = append(f.addCalls, req)
	return nil
}

func (f *fakePeers) NotifyAuthFriend(_ context.Context, _ string, req *rpc.AuthFriendReq) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls = append(f.authCalls, req)
	return nil
}

func (f *fakePeers) NotifyTextChatMsg(_ context.Context, _ string, req *rpc.TextChatMsgReq) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textCalls = append(f.textCalls, req)
	return f.delivered, nil
}

func (f *fakePeers) NotifyKickUser(_ context.Context, _ string, req *rpc.KickUserReq) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kickCalls = append(f.kickCalls, req)
	return nil
}

// chatFixture is a live chat server on a loopback listener with a real
// SQLite store behind the handlers.
type chatFixture struct {
	server   *Server
	store    *db.Store
	counter  *fakeCounter
	router   *fakeRouter
	profiles *fakeProfiles
	verifier *fakeVerifier
	peers    *fakePeers
}

func newChatFixture(t *testing.T, idleTimeout time.Duration) *chatFixture {
	t.Helper()

	store, err := db.Open(db.Config{Driver: db.DriverSQLite, DSN: ":memory:", PoolSize: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	f := &chatFixture{
		store:    store,
		counter:  newFakeCounter(),
		router:   newFakeRouter(),
		profiles: newFakeProfiles(),
		verifier: &fakeVerifier{code: rpc.Success},
		peers:    &fakePeers{},
	}

	users := NewUserManager("ChatServer1", f.router)
	f.server = NewServer("ChatServer1", 2, idleTimeout, users, f.counter, nil)

	h := NewHandlers(f.server, store, f.profiles, f.router, f.verifier, f.peers, OfflineStore, 50)
	h.RegisterAll(f.server.Dispatcher())

	require.NoError(t, f.server.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(f.server.Stop)
	return f
}

// dial opens a client connection to the fixture server.
func (f *chatFixture) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", f.server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// registerUser creates an account directly in the store.
func (f *chatFixture) registerUser(t *testing.T, name, email string) int64 {
	t.Helper()
	uid, err := f.store.RegisterUser(context.Background(), name, email, "pw")
	require.NoError(t, err)
	return uid
}

// login drives the wire login flow and returns the decoded reply.
func (f *chatFixture) login(t *testing.T, conn net.Conn, uid int64) loginRspBody {
	t.Helper()
	sendFrame(t, conn, proto.IDLoginReq, loginReqBody{Uid: uid, Token: "tok"})
	frame := readFrame(t, conn)
	require.Equal(t, proto.IDLoginRsp, frame.ID)

	var rsp loginRspBody
	require.NoError(t, json.Unmarshal(frame.Body, &rsp))
	return rsp
}

// sendFrame marshals body and writes one frame.
func sendFrame(t *testing.T, conn net.Conn, id uint16, body any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	buf, err := proto.AppendFrame(nil, id, raw)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)
}

// readFrame reads one frame with a deadline.
func readFrame(t *testing.T, conn net.Conn) proto.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	frame, err := proto.ReadFrame(conn)
	require.NoError(t, err)
	return frame
}

// decodeBody unmarshals a frame body into dst.
func decodeBody(t *testing.T, frame proto.Frame, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(frame.Body, dst))
}
