package chat

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiver-im/quiver/pkg/chat/proto"
)

// expectClosed waits for the server to drop the connection.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestOversizeInboundFrameClosesSession(t *testing.T) {
	f := newChatFixture(t, time.Minute)
	conn := f.dial(t)

	require.Eventually(t, func() bool { return f.server.SessionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Header announcing a 0xFFFF-byte body, far over the cap.
	_, err := conn.Write([]byte{0x03, 0xED, 0xFF, 0xFF})
	require.NoError(t, err)

	expectClosed(t, conn)
	require.Eventually(t, func() bool { return f.server.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestMalformedStreamNeverDeliversPartialFrame(t *testing.T) {
	f := newChatFixture(t, time.Minute)
	conn := f.dial(t)

	// A valid header followed by half the promised body, then close.
	buf, err := proto.AppendFrame(nil, proto.IDHeartBeatReq, []byte(`{"x":1}`))
	require.NoError(t, err)
	_, err = conn.Write(buf[:len(buf)-3])
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return f.server.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestIdleSessionIsSwept(t *testing.T) {
	f := newChatFixture(t, time.Second)
	conn := f.dial(t)

	// No frames after connect: the sweeper reaps the session.
	start := time.Now()
	expectClosed(t, conn)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestHeartBeatDefersIdleSweep(t *testing.T) {
	f := newChatFixture(t, 2*time.Second)
	conn := f.dial(t)

	// Keep the session warm past the first sweep window.
	for i := 0; i < 4; i++ {
		sendFrame(t, conn, proto.IDHeartBeatReq, errorRspBody{})
		frame := readFrame(t, conn)
		require.Equal(t, proto.IDHeartBeatRsp, frame.ID)
		time.Sleep(700 * time.Millisecond)
	}
	assert.Equal(t, 1, f.server.SessionCount())
}

func TestStopClosesSessions(t *testing.T) {
	f := newChatFixture(t, time.Minute)
	conn := f.dial(t)

	require.Eventually(t, func() bool { return f.server.SessionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	f.server.Stop()
	expectClosed(t, conn)
	assert.Equal(t, 0, f.server.SessionCount())

	// Stop is idempotent.
	f.server.Stop()
}

func TestStartResetsLoginCount(t *testing.T) {
	counter := newFakeCounter()
	counter.counts["ChatServer1"] = 7 // stale value from a crash

	router := newFakeRouter()
	server := NewServer("ChatServer1", 1, time.Minute, NewUserManager("ChatServer1", router), counter, nil)
	require.NoError(t, server.Start(context.Background(), "127.0.0.1:0"))
	defer server.Stop()

	assert.Equal(t, int64(0), counter.count("ChatServer1"))
}
