package zorptls

import (
	"bufio"
	"net"
	"time"
)

// Condition names a poll readiness condition a Stream can be asked to wait
// on (§6).
type Condition int

const (
	CondPollIn Condition = iota
	CondPollOut
)

// StreamContext is a snapshot of a Stream's reconfigurable state, saved
// before the handshake driver takes over and restored on every exit path
// (§3 TlsHandshake.saved_stream_context, §9 "stream-context save/restore").
type StreamContext struct {
	PollIn     bool
	PollOut    bool
	NonBlock   bool
	Timeout    time.Duration
	HasTimeout bool
}

// Stream is the byte-oriented collaborator the handshake driver runs on top
// of (§6). It is implemented outside this package in a real proxy; Go's
// net.Conn plus a small buffered wrapper is the concrete instance this
// module ships for tests and the demo binaries.
type Stream interface {
	net.Conn
	// Unread pushes bytes back so the next Read sees them first, the
	// mechanism the SNI peeker uses to give the real handshake an
	// untouched ClientHello (§4.G).
	Unread(b []byte)
	// BufferedBytes is the clear-text injection guard: bytes already read
	// into this stream's buffer but not yet consumed by a TLS layer above
	// it (§4.F setup, §8).
	BufferedBytes() int
	// SetCond requests or clears a poll condition; SetNonBlock toggles
	// blocking mode; SetTimeout arms/disarms a read/write deadline.
	SetCond(cond Condition, want bool)
	SetNonBlock(nonblock bool)
	SetTimeout(d time.Duration, has bool)
	// SaveContext/RestoreContext implement the scoped acquisition/release
	// of the stream's callback configuration (§9).
	SaveContext() StreamContext
	RestoreContext(StreamContext)
}

// bufferedStream is the Stream implementation this module provides: a
// net.Conn plus an unread buffer, modeled directly on the teacher's
// peekedConn (peeked bytes served first) and its fakeNetConn used for the
// throwaway SNI-peek session.
type bufferedStream struct {
	net.Conn
	reader   *bufio.Reader
	unread   []byte
	nonblock bool
	timeout  time.Duration
	hasTO    bool
	pollIn   bool
	pollOut  bool
}

// NewStream wraps conn for use by the handshake driver.
func NewStream(conn net.Conn) Stream {
	return &bufferedStream{Conn: conn, reader: bufio.NewReader(conn)}
}

func (s *bufferedStream) Read(b []byte) (int, error) {
	if len(s.unread) > 0 {
		n := copy(b, s.unread)
		s.unread = s.unread[n:]
		if len(s.unread) == 0 {
			s.unread = nil
		}
		return n, nil
	}
	return s.reader.Read(b)
}

func (s *bufferedStream) Unread(b []byte) {
	if len(b) == 0 {
		return
	}
	s.unread = append(append([]byte{}, b...), s.unread...)
}

func (s *bufferedStream) BufferedBytes() int {
	return len(s.unread) + s.reader.Buffered()
}

func (s *bufferedStream) SetCond(cond Condition, want bool) {
	switch cond {
	case CondPollIn:
		s.pollIn = want
	case CondPollOut:
		s.pollOut = want
	}
}

func (s *bufferedStream) SetNonBlock(nonblock bool) { s.nonblock = nonblock }

func (s *bufferedStream) SetTimeout(d time.Duration, has bool) {
	s.timeout = d
	s.hasTO = has
	if has {
		deadline := time.Now().Add(d)
		_ = s.Conn.SetDeadline(deadline)
	} else {
		_ = s.Conn.SetDeadline(time.Time{})
	}
}

func (s *bufferedStream) SaveContext() StreamContext {
	return StreamContext{PollIn: s.pollIn, PollOut: s.pollOut, NonBlock: s.nonblock, Timeout: s.timeout, HasTimeout: s.hasTO}
}

func (s *bufferedStream) RestoreContext(c StreamContext) {
	s.pollIn = c.PollIn
	s.pollOut = c.PollOut
	s.nonblock = c.NonBlock
	s.SetTimeout(c.Timeout, c.HasTimeout)
}
