package zorptls

import (
	"crypto/tls"
	"net"
	"testing"
	"time"
)

// captureClientHello runs a real tls.Client handshake attempt against one end
// of a net.Pipe and returns the raw bytes of the ClientHello it wrote, by
// reading whatever the client sends before it blocks waiting on a response
// that never comes.
func captureClientHello(t *testing.T, serverName string) []byte {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c := tls.Client(clientSide, &tls.Config{ServerName: serverName, InsecureSkipVerify: true})
		_ = c.Handshake() // never completes; serverSide never replies
	}()

	_ = serverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := serverSide.Read(buf)
	if err != nil {
		t.Fatalf("reading ClientHello: %v", err)
	}
	return buf[:n]
}

type onceConn struct {
	net.Conn
	buf []byte
}

func (c *onceConn) Read(b []byte) (int, error) {
	if len(c.buf) == 0 {
		return 0, tls.RecordHeaderError{}
	}
	n := copy(b, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *onceConn) Write(b []byte) (int, error) { return len(b), nil }
func (c *onceConn) Close() error                { return nil }

func TestPeekSNIFindsServerName(t *testing.T) {
	hello := captureClientHello(t, "intercepted.example")

	stream := NewStream(&onceConn{buf: append([]byte{}, hello...)})
	sni, ok, err := PeekSNI(stream)
	if err != nil {
		t.Fatalf("PeekSNI: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if sni != "intercepted.example" {
		t.Errorf("sni = %q, want %q", sni, "intercepted.example")
	}

	// The bytes must be unread so a real handshake could still consume them.
	if stream.BufferedBytes() != len(hello) {
		t.Errorf("BufferedBytes() = %d, want %d (peeked bytes must be preserved)", stream.BufferedBytes(), len(hello))
	}
}
