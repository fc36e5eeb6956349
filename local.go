package zorptls

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync/atomic"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"github.com/account-login/ctxlog"
)

type Local struct {
	// params
	RemoteAddr string
	LocalAddr  string
	NoMITM     bool
	MITM       *MITM
	// ProxyProtocol accepts a PROXY protocol v1/v2 header on each client
	// connection before the SOCKS handshake, for deployments sitting behind
	// a load balancer or another proxy tier that needs the real client
	// address preserved.
	ProxyProtocol bool

	// Cfg governs the client-facing MITM accept driven through the A-H TLS
	// core (handshake_seq/verify_type/handshake_timeout etc., §3). Defaults
	// to an all-permissive EncryptionConfig if nil.
	Cfg *EncryptionConfig
	// Bridge is defaulted in Start to an empty in-process runtime (every
	// callback "not found", i.e. VerdictAccept) if nil. The client-facing
	// handshake does not use it: each connection builds its own bridge
	// whose setup_key callback supplies the MITM certificate.
	Bridge *Bridge

	// *peerState
	pstate atomic.Value
}

func (l *Local) Start(ctx context.Context) error {
	// init atomic.Value
	l.pstate.Store((*peerState)(nil))

	if l.Cfg == nil {
		l.Cfg = &EncryptionConfig{Security: PerSide[SecurityLevel]{SecurityForceTls, SecurityForceTls}}
	}
	if l.Bridge == nil {
		l.Bridge = NewBridge(NewMapPolicyRuntime(), nil)
	}

	// listen for client
	listener, err := net.Listen("tcp", l.LocalAddr)
	if err != nil {
		return err
	}
	if l.ProxyProtocol {
		listener = &proxyproto.Listener{Listener: listener}
	}
	go l.clientAcceptor(ctx, listener)

	// connect to remote
	go l.remoteConnector(ctx)

	return nil
}

func (l *Local) clientAcceptor(ctx context.Context, listener net.Listener) {
	defer safeClose(ctx, listener)

	session := uint64(0)
	for {
		session++

		conn, err := listener.Accept()
		if err != nil {
			ctxlog.Errorf(ctx, "accept: %v", err)
			continue
		}

		ctx := ctxlog.Pushf(ctx, "[session:%v][client:%v]", session, conn.RemoteAddr())
		go l.clientInitializer(ctx, conn)
	}
}

func (l *Local) clientInitializer(ctx context.Context, conn net.Conn) {
	defer safeClose(ctx, conn)

	acceptedUs := time.Now().UnixNano() / 1000
	ctxlog.Infof(ctx, "accepted")

	// get remote state
	p := l.pstate.Load().(*peerState)
	if p == nil {
		ctxlog.Errorf(ctx, "peer not ready")
		return
	}

	// read socks5 req
	// TODO: io deadline
	reader := bufio.NewReaderSize(conn, kReaderBuf)
	dstAddr, dstPort, err := socks5handshake(readerWriter{reader, conn})
	if err != nil {
		ctxlog.Errorf(ctx, "%v", err)
		return
	}

	// detect ssl
	var tlsConn *tls.Conn
	var bottom Stream
	// consume buffered data
	peekData := make([]byte, reader.Buffered())
	_, _ = reader.Read(peekData)
	if l.MITM != nil && dstPort == 443 {
		// read more data
		if len(peekData) == 0 {
			peekData = make([]byte, kReaderBuf)
			n, err := conn.Read(peekData)
			if err != nil {
				ctxlog.Errorf(ctx, "peek for ssl handshake: %v", err)
				return
			}

			peekData = peekData[:n]
		}

		bottom = NewStream(conn)
		bottom.Unread(peekData)
		if host, ok, err := PeekSNI(bottom); err != nil {
			ctxlog.Errorf(ctx, "peek sni: %v", err)
		} else if ok {
			if host == "" {
				host = dstAddr.String()
				ctxlog.Infof(ctx, "got tls without SNI [host:%v]", host)
			} else {
				ctxlog.Infof(ctx, "got tls SNI [host:%v]", host)
			}
			peekData = nil
			// fix dstAddr to domain name if tls host is domain name
			if dstAddr.atype != kSocksAddrDomain {
				if net.ParseIP(host) == nil {
					ctxlog.Infof(ctx, "fix [dst:%v] to [host:%v]", dstAddr, host)
					dstAddr = socksAddr{atype: kSocksAddrDomain, addr: []byte(host)}
				}
			}

			// Drive the client-facing accept through the A-H TLS core rather
			// than a raw tls.Server, over the same prefix-replaying stream.
			// The "setup_key" policy callback (component C/E) is what mints
			// the per-host MITM leaf cert, the same extension point a real
			// policy script would use to install local credentials (§4.E).
			clientState := &TlsEndpointState{}
			clientState.setSNIHostname(host)
			rt := NewMapPolicyRuntime()
			Register(rt, Client, "setup_key", func(args ...interface{}) (Verdict, error) {
				cert, err := l.MITM.CertForHost(ctx, host)
				if err != nil {
					return VerdictReject, err
				}
				chain := make([]*x509.Certificate, 0, len(cert.Certificate))
				for i, der := range cert.Certificate {
					if i == 0 && cert.Leaf != nil {
						chain = append(chain, cert.Leaf)
						continue
					}
					parsed, perr := x509.ParseCertificate(der)
					if perr != nil {
						return VerdictReject, perr
					}
					chain = append(chain, parsed)
				}
				clientState.SetLocalCredentials(chain, cert.PrivateKey, "")
				return VerdictAccept, nil
			})

			// We already peeked SNI above; ServerFirst here just tells
			// setup() not to repeat PeekSNI on the same stream.
			clientCfg := *l.Cfg
			clientCfg.HandshakeSeq = ServerFirst
			h := NewHandshake(bottom, Client, &clientCfg, NewBridge(rt, nil), clientState, nil,
				&tls.Config{}, nil, nil)
			h.sniName = host

			if err := h.RunBlocking(ctx); err != nil {
				ctxlog.Errorf(ctx, "mitm tls accept [host:%v]: %v", host, err)
				return
			}
			tlsConn = h.Session().Conn()
		}
	}

	// create client
	client := createClient(ctx, p)
	if client == nil {
		return
	}
	defer client.leafClose(ctx)

	// log
	ctx = ctxlog.Pushf(ctx, "[client][id:%v][target:%v:%v]", client.id, dstAddr, dstPort)
	ctxlog.Debugf(ctx, "created client")

	// setup client
	switch {
	case tlsConn != nil:
		client.conn = tlsConn
	case bottom != nil:
		// SNI peek ran but didn't detect TLS: the peeked bytes live in
		// bottom's unread buffer, so read through bottom instead of the
		// raw conn to avoid losing them.
		client.conn = bottom
	default:
		client.conn = conn
	}
	client.metric.Id = client.id
	client.metric.Leaf = socksAddrString(dstAddr, dstPort)
	client.metric.Created = acceptedUs

	// connect cmd
	var cmd uint32 = kCmdConnect
	if tlsConn != nil {
		cmd = kCmdConnectSSL
	}
	client.peerWriterInput(ctx, &protoMsg{
		cmd: cmd, cid: client.id, data: serializeSocksAddr(dstAddr, dstPort),
	})

	// peeked data: only needed when no SNI peek happened at all (plain TCP
	// or MITM-disabled path), since the peek path folds these bytes into
	// bottom's own buffer instead.
	if bottom == nil && len(peekData) > 0 {
		ctxlog.Debugf(ctx, "client reader got %v bytes from peekData", len(peekData))
		client.peerWriterInput(ctx, &protoMsg{
			cmd: kCmdData, cid: client.id, data: peekData,
		})
		client.metric.FirstRead = time.Now().UnixNano() / 1000
		client.metric.BytesRead += len(peekData)
	}

	// start client io
	go client.leafReader(ctx)
	go client.leafWriter(ctx)

	// wait for client done
	<-client.readerDone
	<-client.writerDone

	// clear client state
	ctxlog.Infof(ctx, "client done")
}

func createClient(ctx context.Context, p *peerState) *leafState {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.quiting {
		ctxlog.Warnf(ctx, "can not create leaf since peer is quiting")
		return nil
	}

	// find next id
	for _, ok := p.leafStates[p.clientIdSeq]; ok; p.clientIdSeq++ {
		ctxlog.Debugf(ctx, "[clientIdSeq:%v] overflowed", p.clientIdSeq)
	}

	// create client
	l := newLeaf()
	l.id = p.clientIdSeq
	l.peer = p
	l.fc.win = 1024 * 1024 // TODO: config
	p.leafStates[l.id] = l

	// next id
	p.clientIdSeq++
	return l
}

func (l *Local) remoteConnector(ctx context.Context) {
	session := uint64(0)
	for {
		session++
		ctx := ctxlog.Pushf(ctx, "[rsession:%v]", session)

		l.remoteInitializer(ctx)

		ctxlog.Warnf(ctx, "reconnecting after 1s")
		time.Sleep(1 * time.Second)
	}
}

func (l *Local) remoteInitializer(ctx context.Context) {
	// TODO: io timeout
	conn, err := net.Dial("tcp", l.RemoteAddr)
	if err != nil {
		ctxlog.Errorf(ctx, "connect remote: %v", err)
		return
	}
	defer safeClose(ctx, conn)

	ctxlog.Infof(ctx, "[remote:%v] connected from [local:%v]", l.RemoteAddr, conn.LocalAddr())

	p := newPeer()
	p.conn = conn
	p.clientIdSeq = 1 // client id starts from 1

	// init remote
	go p.peerReader(ctx)
	go p.peerWriter(ctx)

	// store remote
	l.pstate.Store(p)

	// wait remote down
	<-p.readerDone
	<-p.writerDone

	// clear remote state
	l.pstate.Store((*peerState)(nil))
	p.peerClose(ctx)
}
