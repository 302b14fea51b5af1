package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Full method names, as they appear on the wire and in interceptors.
const (
	MethodGetChatServer = "/message.StatusService/GetChatServer"
	MethodLogin         = "/message.StatusService/Login"
	MethodGetVerifyCode = "/message.VerifyService/GetVerifyCode"
	MethodAddFriend     = "/message.ChatService/NotifyAddFriend"
	MethodAuthFriend    = "/message.ChatService/NotifyAuthFriend"
	MethodTextChatMsg   = "/message.ChatService/NotifyTextChatMsg"
	MethodKickUser      = "/message.ChatService/NotifyKickUser"
)

// StatusServiceServer is implemented by the status service.
type StatusServiceServer interface {
	GetChatServer(ctx context.Context, req *GetChatServerReq) (*GetChatServerRsp, error)
	Login(ctx context.Context, req *LoginReq) (*LoginRsp, error)
}

// ChatServiceServer is implemented by every chat server for its peers.
type ChatServiceServer interface {
	NotifyAddFriend(ctx context.Context, req *AddFriendReq) (*AddFriendRsp, error)
	NotifyAuthFriend(ctx context.Context, req *AuthFriendReq) (*AuthFriendRsp, error)
	NotifyTextChatMsg(ctx context.Context, req *TextChatMsgReq) (*TextChatMsgRsp, error)
	NotifyKickUser(ctx context.Context, req *KickUserReq) (*KickUserRsp, error)
}

// RegisterStatusServiceServer wires srv into s under the status descriptor.
func RegisterStatusServiceServer(s grpc.ServiceRegistrar, srv StatusServiceServer) {
	s.RegisterService(&StatusServiceDesc, srv)
}

// RegisterChatServiceServer wires srv into s under the chat descriptor.
func RegisterChatServiceServer(s grpc.ServiceRegistrar, srv ChatServiceServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

// unaryHandler adapts a typed service method into the grpc method-handler
// shape, routing through the interceptor chain when one is installed.
func unaryHandler[Req any, Rsp any](
	fullMethod string,
	call func(ctx context.Context, srv any, req *Req) (*Rsp, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, srv, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(ctx, srv, req.(*Req))
		})
	}
}

// StatusServiceDesc is the hand-built descriptor for the status service.
// There is no protobuf schema; messages travel through the JSON codec.
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: "message.StatusService",
	HandlerType: (*StatusServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetChatServer",
			Handler: unaryHandler(MethodGetChatServer,
				func(ctx context.Context, srv any, req *GetChatServerReq) (*GetChatServerRsp, error) {
					return srv.(StatusServiceServer).GetChatServer(ctx, req)
				}),
		},
		{
			MethodName: "Login",
			Handler: unaryHandler(MethodLogin,
				func(ctx context.Context, srv any, req *LoginReq) (*LoginRsp, error) {
					return srv.(StatusServiceServer).Login(ctx, req)
				}),
		},
	},
	Metadata: "message.json",
}

// ChatServiceDesc is the hand-built descriptor for chat peer notifies.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: "message.ChatService",
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "NotifyAddFriend",
			Handler: unaryHandler(MethodAddFriend,
				func(ctx context.Context, srv any, req *AddFriendReq) (*AddFriendRsp, error) {
					return srv.(ChatServiceServer).NotifyAddFriend(ctx, req)
				}),
		},
		{
			MethodName: "NotifyAuthFriend",
			Handler: unaryHandler(MethodAuthFriend,
				func(ctx context.Context, srv any, req *AuthFriendReq) (*AuthFriendRsp, error) {
					return srv.(ChatServiceServer).NotifyAuthFriend(ctx, req)
				}),
		},
		{
			MethodName: "NotifyTextChatMsg",
			Handler: unaryHandler(MethodTextChatMsg,
				func(ctx context.Context, srv any, req *TextChatMsgReq) (*TextChatMsgRsp, error) {
					return srv.(ChatServiceServer).NotifyTextChatMsg(ctx, req)
				}),
		},
		{
			MethodName: "NotifyKickUser",
			Handler: unaryHandler(MethodKickUser,
				func(ctx context.Context, srv any, req *KickUserReq) (*KickUserRsp, error) {
					return srv.(ChatServiceServer).NotifyKickUser(ctx, req)
				}),
		},
	},
	Metadata: "message.json",
}
