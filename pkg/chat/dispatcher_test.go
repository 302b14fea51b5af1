package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiver-im/quiver/pkg/chat/proto"
)

// newBareServer builds a chat server with no default handlers so tests
// can register their own before Start.
func newBareServer(t *testing.T) *Server {
	t.Helper()
	router := newFakeRouter()
	server := NewServer("ChatServer1", 1, time.Minute, NewUserManager("ChatServer1", router), newFakeCounter(), nil)
	return server
}

func TestDispatcherPreservesArrivalOrder(t *testing.T) {
	server := newBareServer(t)

	var mu sync.Mutex
	var got []int
	server.Dispatcher().Register(2001, func(_ context.Context, _ *Session, frame proto.Frame) {
		var seq int
		if err := json.Unmarshal(frame.Body, &seq); err != nil {
			return
		}
		mu.Lock()
		got = append(got, seq)
		mu.Unlock()
	})

	require.NoError(t, server.Start(context.Background(), "127.0.0.1:0"))
	defer server.Stop()

	f := &chatFixture{server: server}
	conn := f.dial(t)

	const n = 100
	for i := 0; i < n; i++ {
		sendFrame(t, conn, 2001, i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		require.Equal(t, i, seq)
	}
}

func TestUnknownMessageIdDroppedSessionSurvives(t *testing.T) {
	f := newChatFixture(t, time.Minute)
	conn := f.dial(t)

	// An unregistered id is dropped without closing the connection; the
	// heartbeat after it still gets through.
	sendFrame(t, conn, 3999, errorRspBody{})
	sendFrame(t, conn, proto.IDHeartBeatReq, errorRspBody{})

	frame := readFrame(t, conn)
	assert.Equal(t, proto.IDHeartBeatRsp, frame.ID)
	assert.Equal(t, 1, f.server.SessionCount())
}

func TestFramesForDeadSessionSkipped(t *testing.T) {
	server := newBareServer(t)

	var handled sync.Map
	server.Dispatcher().Register(2002, func(_ context.Context, sess *Session, _ proto.Frame) {
		handled.Store(sess.ID(), true)
	})
	require.NoError(t, server.Start(context.Background(), "127.0.0.1:0"))
	defer server.Stop()

	f := &chatFixture{server: server}
	conn := f.dial(t)
	sess := serverSession(t, f)

	// Close the session, then push a frame for it straight onto the queue.
	sess.Close(CloseClient)
	server.Dispatcher().Post(sess, proto.Frame{ID: 2002})
	_ = conn

	time.Sleep(100 * time.Millisecond)
	_, ran := handled.Load(sess.ID())
	assert.False(t, ran)
}

func TestDispatcherStopDrainsQueue(t *testing.T) {
	server := newBareServer(t)

	var mu sync.Mutex
	count := 0
	block := make(chan struct{})
	server.Dispatcher().Register(2003, func(_ context.Context, _ *Session, _ proto.Frame) {
		<-block
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, server.Start(context.Background(), "127.0.0.1:0"))

	f := &chatFixture{server: server}
	conn := f.dial(t)
	sess := serverSession(t, f)
	_ = conn

	// Queue frames while the consumer is blocked on the first one.
	for i := 0; i < 10; i++ {
		require.True(t, server.Dispatcher().Post(sess, proto.Frame{ID: 2003}))
	}
	close(block)

	server.Dispatcher().Stop()
	mu.Lock()
	drained := count
	mu.Unlock()
	assert.Equal(t, 10, drained, "queued frames must be drained before stop returns")

	assert.False(t, server.Dispatcher().Post(sess, proto.Frame{ID: 2003}))
	server.Stop()
}
