package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiver-im/quiver/pkg/chat/proto"
	"github.com/quiver-im/quiver/pkg/rpc"
)

func TestPeerServiceDeliversToLocalSession(t *testing.T) {
	f := newChatFixture(t, time.Minute)
	bob := f.registerUser(t, "bob", "bob@example.com")
	conn := f.dial(t)
	f.login(t, conn, bob)

	svc := NewPeerService(f.server)
	rsp, err := svc.NotifyTextChatMsg(context.Background(), &rpc.TextChatMsgReq{
		FromUid: 99, ToUid: bob,
		Msgs: []rpc.TextMsg{{MsgID: "m1", Content: "from afar"}},
	})
	require.NoError(t, err)
	assert.True(t, rsp.Delivered)

	frame := readFrame(t, conn)
	require.Equal(t, proto.IDNotifyTextChatMsg, frame.ID)
	var pushed textChatBody
	decodeBody(t, frame, &pushed)
	assert.Equal(t, int64(99), pushed.FromUid)
	require.Len(t, pushed.Msgs, 1)
	assert.Equal(t, "from afar", pushed.Msgs[0].Content)
}

func TestPeerServiceReportsUndelivered(t *testing.T) {
	f := newChatFixture(t, time.Minute)

	svc := NewPeerService(f.server)
	rsp, err := svc.NotifyTextChatMsg(context.Background(), &rpc.TextChatMsgReq{
		FromUid: 1, ToUid: 404,
		Msgs: []rpc.TextMsg{{Content: "nobody home"}},
	})
	require.NoError(t, err)
	assert.False(t, rsp.Delivered)
}

func TestPeerServiceForwardsApplyNotify(t *testing.T) {
	f := newChatFixture(t, time.Minute)
	bob := f.registerUser(t, "bob", "bob@example.com")
	conn := f.dial(t)
	f.login(t, conn, bob)

	svc := NewPeerService(f.server)
	_, err := svc.NotifyAddFriend(context.Background(), &rpc.AddFriendReq{
		ApplyUid: 77, ToUid: bob, Name: "carol",
	})
	require.NoError(t, err)

	frame := readFrame(t, conn)
	require.Equal(t, proto.IDNotifyAddFriendReq, frame.ID)
	var body notifyAddFriendBody
	decodeBody(t, frame, &body)
	assert.Equal(t, int64(77), body.ApplyUid)
	assert.Equal(t, "carol", body.Name)
}

func TestPeerServiceKicksLocalSession(t *testing.T) {
	f := newChatFixture(t, time.Minute)
	bob := f.registerUser(t, "bob", "bob@example.com")
	conn := f.dial(t)
	f.login(t, conn, bob)

	svc := NewPeerService(f.server)
	_, err := svc.NotifyKickUser(context.Background(), &rpc.KickUserReq{Uid: bob})
	require.NoError(t, err)

	frame := readFrame(t, conn)
	assert.Equal(t, proto.IDNotifyOffline, frame.ID)
	expectClosed(t, conn)
}
