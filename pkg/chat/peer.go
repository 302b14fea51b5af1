package chat

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/chat/proto"
	"github.com/quiver-im/quiver/pkg/rpc"
)

// peerSetNotifier adapts *rpc.PeerSet to the PeerNotifier interface the
// handlers consume.
type peerSetNotifier struct {
	set *rpc.PeerSet
}

// NewPeerNotifier wraps a peer client set for the handlers.
func NewPeerNotifier(set *rpc.PeerSet) PeerNotifier {
	return &peerSetNotifier{set: set}
}

func (n *peerSetNotifier) client(server string) (*rpc.PeerClient, error) {
	c, ok := n.set.Get(server)
	if !ok {
		return nil, fmt.Errorf("unknown peer server %q", server)
	}
	return c, nil
}

func (n *peerSetNotifier) NotifyAddFriend(ctx context.Context, server string, req *rpc.AddFriendReq) error {
	c, err := n.client(server)
	if err != nil {
		return err
	}
	_, err = c.NotifyAddFriend(ctx, req)
	return err
}

func (n *peerSetNotifier) NotifyAuthFriend(ctx context.Context, server string, req *rpc.AuthFriendReq) error {
	c, err := n.client(server)
	if err != nil {
		return err
	}
	_, err = c.NotifyAuthFriend(ctx, req)
	return err
}

func (n *peerSetNotifier) NotifyTextChatMsg(ctx context.Context, server string, req *rpc.TextChatMsgReq) (bool, error) {
	c, err := n.client(server)
	if err != nil {
		return false, err
	}
	rsp, err := c.NotifyTextChatMsg(ctx, req)
	if err != nil {
		return false, err
	}
	return rsp.Delivered, nil
}

func (n *peerSetNotifier) NotifyKickUser(ctx context.Context, server string, req *rpc.KickUserReq) error {
	c, err := n.client(server)
	if err != nil {
		return err
	}
	_, err = c.NotifyKickUser(ctx, req)
	return err
}

// PeerService is the inbound side of peer forwarding: it implements
// rpc.ChatServiceServer by pushing notifies onto local sessions.
type PeerService struct {
	server *Server
}

// NewPeerService builds the inbound peer RPC surface over server.
func NewPeerService(server *Server) *PeerService {
	return &PeerService{server: server}
}

// NotifyAddFriend pushes a forwarded friend apply to the local target.
func (p *PeerService) NotifyAddFriend(_ context.Context, req *rpc.AddFriendReq) (*rpc.AddFriendRsp, error) {
	if target, ok := p.server.Users().Get(req.ToUid); ok {
		reply(target, proto.IDNotifyAddFriendReq, notifyAddFriendBody{
			ApplyUid: req.ApplyUid,
			Name:     req.Name,
			Nick:     req.Nick,
			Desc:     req.Desc,
			Sex:      req.Sex,
			Icon:     req.Icon,
		})
	}
	return &rpc.AddFriendRsp{ApplyUid: req.ApplyUid, ToUid: req.ToUid}, nil
}

// NotifyAuthFriend pushes a forwarded acceptance to the local applicant.
func (p *PeerService) NotifyAuthFriend(_ context.Context, req *rpc.AuthFriendReq) (*rpc.AuthFriendRsp, error) {
	if target, ok := p.server.Users().Get(req.ToUid); ok {
		reply(target, proto.IDNotifyAuthFriendReq, notifyAuthFriendBody{
			FromUid: req.FromUid,
			Name:    req.Name,
			Nick:    req.Nick,
			Sex:     req.Sex,
			Icon:    req.Icon,
		})
	}
	return &rpc.AuthFriendRsp{FromUid: req.FromUid, ToUid: req.ToUid}, nil
}

// NotifyTextChatMsg pushes a forwarded text batch to the local addressee.
// Delivered=false tells the sender's server to fall back to its offline
// policy.
func (p *PeerService) NotifyTextChatMsg(_ context.Context, req *rpc.TextChatMsgReq) (*rpc.TextChatMsgRsp, error) {
	rsp := &rpc.TextChatMsgRsp{FromUid: req.FromUid, ToUid: req.ToUid, Msgs: req.Msgs}

	target, ok := p.server.Users().Get(req.ToUid)
	if !ok {
		return rsp, nil
	}

	msgs := make([]textMsgBody, len(req.Msgs))
	for i, m := range req.Msgs {
		msgs[i] = textMsgBody{MsgID: m.MsgID, Content: m.Content}
	}
	reply(target, proto.IDNotifyTextChatMsg, textChatBody{FromUid: req.FromUid, ToUid: req.ToUid, Msgs: msgs})
	rsp.Delivered = true
	return rsp, nil
}

// NotifyKickUser drops uid's local session after warning it: the user
// logged in on another server.
func (p *PeerService) NotifyKickUser(_ context.Context, req *rpc.KickUserReq) (*rpc.KickUserRsp, error) {
	if target, ok := p.server.Users().Get(req.Uid); ok {
		kickSession(target, req.Uid)
	}
	return &rpc.KickUserRsp{Uid: req.Uid}, nil
}

// RPCServer exposes the PeerService over gRPC for sibling chat servers.
type RPCServer struct {
	addr    string
	grpcSrv *grpc.Server
}

// NewRPCServer builds the peer-facing listener wrapper.
func NewRPCServer(svc *PeerService, addr string) *RPCServer {
	s := grpc.NewServer()
	rpc.RegisterChatServiceServer(s, svc)
	return &RPCServer{addr: addr, grpcSrv: s}
}

// Start binds the listener and serves until Stop. Blocks.
func (s *RPCServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	logger.Info("Peer RPC listening", "addr", s.addr)
	return s.grpcSrv.Serve(lis)
}

// Stop drains in-flight RPCs and closes the listener.
func (s *RPCServer) Stop() {
	s.grpcSrv.GracefulStop()
}
