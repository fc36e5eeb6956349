package zorptls

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// sniPeekBufSize is the amount of ClientHello read at most: a single
// ClientHello fits comfortably in 1 KiB (§4.G, §8).
const sniPeekBufSize = 1024

// fakePeekConn is a throwaway net.Conn that replays a fixed buffer of bytes
// and discards writes, used to drive a disposable TLS accept purely to
// trigger the library's SNI callback. Grounded on the teacher's
// ssl.go:fakeNetConn / detectTLS trick.
type fakePeekConn struct {
	buf []byte
}

func (c *fakePeekConn) Read(b []byte) (int, error) {
	if len(c.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(b, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *fakePeekConn) Write(b []byte) (int, error)        { return len(b), nil }
func (c *fakePeekConn) Close() error                       { return nil }
func (c *fakePeekConn) LocalAddr() net.Addr                { return nil }
func (c *fakePeekConn) RemoteAddr() net.Addr               { return nil }
func (c *fakePeekConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakePeekConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakePeekConn) SetWriteDeadline(t time.Time) error { return nil }

var errPeekAbort = errors.New("zorptls: sni peek aborted after ClientHello")

// PeekSNI is component G: reads up to 1 KiB from the client stream, feeds it
// to a throwaway TLS accept to trigger the library's SNI callback, and
// unreads the bytes back onto the stream so the real handshake sees an
// untouched ClientHello. ok reports whether the bytes parsed as a
// ClientHello; sni is empty when that ClientHello carried no server name.
func PeekSNI(stream Stream) (sni string, ok bool, err error) {
	buf := make([]byte, sniPeekBufSize)
	n, readErr := stream.Read(buf)
	if n == 0 && readErr != nil {
		return "", false, readErr
	}
	buf = buf[:n]

	cfg := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			sni = hello.ServerName
			ok = true
			// Abort the throwaway handshake the instant we've seen the
			// ClientHello; we never intend to complete it.
			return nil, errPeekAbort
		},
	}

	peekConn := &fakePeekConn{buf: append([]byte{}, buf...)}
	tlsConn := tls.Server(peekConn, cfg)
	_ = tlsConn.Handshake() // error is expected and ignored; see errPeekAbort

	// Unread the bytes below the TLS layer so the real handshake sees an
	// untouched ClientHello, however large it was (§8 boundary behavior:
	// if the ClientHello is bigger than 1024 bytes, sni may come back
	// empty, but every byte we did read must still be unread).
	stream.Unread(buf)

	return sni, ok, nil
}
