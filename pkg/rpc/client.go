package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quiver-im/quiver/pkg/config"
	"github.com/quiver-im/quiver/pkg/metrics"
	"github.com/quiver-im/quiver/pkg/pool"
)

// defaultConnsPerTarget is the stub pool size per remote service.
const defaultConnsPerTarget = 5

// newConnPool builds a pool of client connections to addr. grpc.NewClient
// does not dial eagerly, so pool construction cannot fail on an unreachable
// peer; calls fail instead.
func newConnPool(name, addr string, size int, pm *metrics.PoolMetrics) (*pool.Pool[*grpc.ClientConn], error) {
	if size <= 0 {
		size = defaultConnsPerTarget
	}
	factory := func() (*grpc.ClientConn, error) {
		return grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		)
	}
	return pool.New(name, size, factory,
		pool.WithCloser[*grpc.ClientConn](func(cc *grpc.ClientConn) { _ = cc.Close() }),
		pool.WithMetrics[*grpc.ClientConn](pm),
	)
}

// invoke borrows a connection, performs one unary call, and returns the
// connection on every path.
func invoke[Req any, Rsp any](ctx context.Context, p *pool.Pool[*grpc.ClientConn], method string, req *Req) (*Rsp, error) {
	cc, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(cc)

	rsp := new(Rsp)
	if err := cc.Invoke(ctx, method, req, rsp); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	return rsp, nil
}

// StatusClient calls the status service.
type StatusClient struct {
	pool *pool.Pool[*grpc.ClientConn]
}

// NewStatusClient builds a pooled client for the status service at addr.
func NewStatusClient(addr string, pm *metrics.PoolMetrics) (*StatusClient, error) {
	p, err := newConnPool("status-rpc", addr, defaultConnsPerTarget, pm)
	if err != nil {
		return nil, err
	}
	return &StatusClient{pool: p}, nil
}

// GetChatServer asks status to place uid on a chat server.
func (c *StatusClient) GetChatServer(ctx context.Context, uid int64) (*GetChatServerRsp, error) {
	return invoke[GetChatServerReq, GetChatServerRsp](ctx, c.pool, MethodGetChatServer, &GetChatServerReq{Uid: uid})
}

// Login asks status to validate uid's login token.
func (c *StatusClient) Login(ctx context.Context, uid int64, token string) (*LoginRsp, error) {
	return invoke[LoginReq, LoginRsp](ctx, c.pool, MethodLogin, &LoginReq{Uid: uid, Token: token})
}

// Close tears down the connection pool.
func (c *StatusClient) Close() {
	c.pool.Close()
}

// VerifyClient calls the verification-mail service. Only the client side
// lives in this codebase.
type VerifyClient struct {
	pool *pool.Pool[*grpc.ClientConn]
}

// NewVerifyClient builds a pooled client for the verify service at addr.
func NewVerifyClient(addr string, pm *metrics.PoolMetrics) (*VerifyClient, error) {
	p, err := newConnPool("verify-rpc", addr, defaultConnsPerTarget, pm)
	if err != nil {
		return nil, err
	}
	return &VerifyClient{pool: p}, nil
}

// GetVerifyCode asks the verify service to mail a code to email.
func (c *VerifyClient) GetVerifyCode(ctx context.Context, email string) (*GetVerifyRsp, error) {
	return invoke[GetVerifyReq, GetVerifyRsp](ctx, c.pool, MethodGetVerifyCode, &GetVerifyReq{Email: email})
}

// Close tears down the connection pool.
func (c *VerifyClient) Close() {
	c.pool.Close()
}

// PeerClient calls one peer chat server.
type PeerClient struct {
	name string
	pool *pool.Pool[*grpc.ClientConn]
}

// Name returns the peer's configured server name.
func (c *PeerClient) Name() string {
	return c.name
}

// NotifyAddFriend forwards a friend apply to the peer.
func (c *PeerClient) NotifyAddFriend(ctx context.Context, req *AddFriendReq) (*AddFriendRsp, error) {
	return invoke[AddFriendReq, AddFriendRsp](ctx, c.pool, MethodAddFriend, req)
}

// NotifyAuthFriend forwards an accepted apply to the peer.
func (c *PeerClient) NotifyAuthFriend(ctx context.Context, req *AuthFriendReq) (*AuthFriendRsp, error) {
	return invoke[AuthFriendReq, AuthFriendRsp](ctx, c.pool, MethodAuthFriend, req)
}

// NotifyTextChatMsg forwards a text batch to the peer.
func (c *PeerClient) NotifyTextChatMsg(ctx context.Context, req *TextChatMsgReq) (*TextChatMsgRsp, error) {
	return invoke[TextChatMsgReq, TextChatMsgRsp](ctx, c.pool, MethodTextChatMsg, req)
}

// NotifyKickUser tells the peer to drop uid's session.
func (c *PeerClient) NotifyKickUser(ctx context.Context, req *KickUserReq) (*KickUserRsp, error) {
	return invoke[KickUserReq, KickUserRsp](ctx, c.pool, MethodKickUser, req)
}

// PeerSet holds one pooled client per peer chat server, keyed by server
// name as it appears in routing entries.
type PeerSet struct {
	peers map[string]*PeerClient
}

// NewPeerSet builds clients for every server in servers except self.
func NewPeerSet(servers map[string]config.ServerConfig, self string, pm *metrics.PoolMetrics) (*PeerSet, error) {
	set := &PeerSet{peers: make(map[string]*PeerClient)}
	for name, sc := range servers {
		if name == self {
			continue
		}
		p, err := newConnPool("peer-rpc-"+name, sc.RPCAddr(), defaultConnsPerTarget, pm)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.peers[name] = &PeerClient{name: name, pool: p}
	}
	return set, nil
}

// Get returns the client for the named peer.
func (s *PeerSet) Get(name string) (*PeerClient, bool) {
	c, ok := s.peers[name]
	return c, ok
}

// Close tears down every peer pool.
func (s *PeerSet) Close() {
	for _, c := range s.peers {
		c.pool.Close()
	}
}
