// Package chat implements the persistent-connection chat service: the TCP
// accept loop, per-connection sessions with framed I/O, the single-threaded
// logic dispatcher, and the message handlers behind it.
package chat

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/chat/ioloop"
	"github.com/quiver-im/quiver/pkg/chat/proto"
)

// Session close reasons, recorded in metrics and logs.
const (
	CloseClient   = "client"
	CloseIdle     = "idle"
	CloseProtocol = "protocol"
	CloseShutdown = "shutdown"
	CloseKick     = "kick"
)

// Session owns one client connection. Inbound frames are decoded by a
// dedicated reader goroutine and handed to the dispatcher; outbound frames
// are queued and written one at a time on the session's I/O loop.
type Session struct {
	id     string
	conn   net.Conn
	loop   *ioloop.Loop
	server *Server

	// uid is zero until the login handler binds the session.
	uid atomic.Int64

	// lastActive is the unix time of the last inbound frame. The idle
	// sweeper closes sessions whose value falls too far behind.
	lastActive atomic.Int64

	// sendMu guards sendQueue and drainReason. The head of the queue is
	// the frame currently being written; a new Send kicks the writer only
	// when the queue was empty, so at most one write is in flight per
	// session.
	sendMu    sync.Mutex
	sendQueue [][]byte

	// drainReason, when set, closes the session as soon as the send
	// queue empties. Set by CloseAfterDrain, consumed by writeNext.
	drainReason string

	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(conn net.Conn, loop *ioloop.Loop, server *Server) *Session {
	s := &Session{
		id:     uuid.NewString(),
		conn:   conn,
		loop:   loop,
		server: server,
	}
	s.touch()
	return s
}

// ID returns the session's connection id.
func (s *Session) ID() string {
	return s.id
}

// UID returns the bound user id, zero before login.
func (s *Session) UID() int64 {
	return s.uid.Load()
}

// RemoteAddr returns the client address for logging.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// touch refreshes the idle clock.
func (s *Session) touch() {
	s.lastActive.Store(time.Now().Unix())
}

// idleSince reports how long ago the last inbound frame arrived.
func (s *Session) idleSince(now time.Time) time.Duration {
	return time.Duration(now.Unix()-s.lastActive.Load()) * time.Second
}

// start launches the reader goroutine.
func (s *Session) start() {
	go s.readLoop()
}

// readLoop drives the framing state machine: read a header, read the
// body, refresh the idle clock, hand the frame to the dispatcher. Any
// read error tears the session down; the close reason distinguishes a
// clean disconnect from a protocol violation.
func (s *Session) readLoop() {
	for {
		frame, err := proto.ReadFrame(s.conn)
		if err != nil {
			if s.closed.Load() {
				return
			}
			switch {
			case errors.Is(err, io.EOF):
				s.Close(CloseClient)
			case errors.Is(err, proto.ErrFrameTooBig):
				logger.Warn("Oversize frame, closing session",
					"session", s.id, "remote", s.RemoteAddr(), "error", err)
				s.Close(CloseProtocol)
			default:
				logger.Debug("Session read failed",
					"session", s.id, "remote", s.RemoteAddr(), "error", err)
				s.Close(CloseClient)
			}
			return
		}

		s.touch()
		s.server.metrics.RecordFrameIn()

		if !s.server.dispatcher.Post(s, frame) {
			// Dispatcher stopped: the server is shutting down.
			s.Close(CloseShutdown)
			return
		}
	}
}

// Send queues one frame for the client. Returns false when the session is
// closed or the body is oversize. The first frame on an empty queue kicks
// the writer; subsequent frames ride the existing write chain.
func (s *Session) Send(id uint16, body []byte) bool {
	if s.closed.Load() {
		return false
	}

	buf, err := proto.AppendFrame(nil, id, body)
	if err != nil {
		logger.Error("Dropped oversize outbound frame",
			"session", s.id, "msg_id", id, "len", len(body))
		s.server.metrics.RecordFrameDropped()
		return false
	}

	s.sendMu.Lock()
	s.sendQueue = append(s.sendQueue, buf)
	kick := len(s.sendQueue) == 1
	s.sendMu.Unlock()

	if kick {
		if !s.loop.Post(s.writeNext) {
			s.Close(CloseShutdown)
			return false
		}
	}
	return true
}

// writeNext writes the frame at the head of the queue, then reposts itself
// while more frames are pending. Runs only on the session's I/O loop.
func (s *Session) writeNext() {
	s.sendMu.Lock()
	if len(s.sendQueue) == 0 {
		s.sendMu.Unlock()
		return
	}
	buf := s.sendQueue[0]
	s.sendMu.Unlock()

	if s.closed.Load() {
		return
	}
	if _, err := s.conn.Write(buf); err != nil {
		logger.Debug("Session write failed", "session", s.id, "error", err)
		s.Close(CloseClient)
		return
	}
	s.server.metrics.RecordFrameOut()

	s.sendMu.Lock()
	s.sendQueue = s.sendQueue[1:]
	more := len(s.sendQueue) > 0
	reason := ""
	if !more {
		reason = s.drainReason
	}
	s.sendMu.Unlock()

	if more {
		s.loop.Post(s.writeNext)
		return
	}
	if reason != "" {
		s.Close(reason)
	}
}

// CloseAfterDrain closes the session once every queued frame has been
// written. With an empty queue it closes immediately.
func (s *Session) CloseAfterDrain(reason string) {
	s.sendMu.Lock()
	pending := len(s.sendQueue) > 0
	if pending {
		s.drainReason = reason
	}
	s.sendMu.Unlock()

	if !pending {
		s.Close(reason)
	}
}

// Close tears the session down exactly once: the connection is closed
// (which unblocks the reader), the server forgets the session, and a bound
// uid is released.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.conn.Close()
		s.server.removeSession(s, reason)
		logger.Debug("Session closed", "session", s.id, "uid", s.uid.Load(), "reason", reason)
	})
}
