// Package listener accepts client connections, sniffs the wire protocol
// before any HTTP machinery sees the bytes, and tags each connection with a
// monotonic id for log correlation.
package listener

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trac-platform/gateway/internal/logging"
	"github.com/trac-platform/gateway/internal/metrics"
)

// http2Preface opens every cleartext HTTP/2 connection.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Wire protocols a connection can negotiate to.
const (
	WireHTTP1 = "http/1.1"
	WireHTTP2 = "h2"
)

// peekTimeout bounds how long a silent client may hold an accepted
// connection before sending its first bytes.
const peekTimeout = 10 * time.Second

// Conn is an accepted connection with its sniffed bytes replayable and its
// identity attached.
type Conn struct {
	net.Conn
	id        uint64
	proto     string
	reader    *bufio.Reader
	closeOnce sync.Once
	onClose   func()
}

// Read replays peeked bytes before touching the socket.
func (c *Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// ID returns the connection's monotonic id.
func (c *Conn) ID() uint64 { return c.id }

// Protocol returns the negotiated wire protocol.
func (c *Conn) Protocol() string { return c.proto }

// Negotiator wraps a net.Listener and classifies every accepted connection
// as HTTP/1.1 or HTTP/2 before handing it to the HTTP server. Connections
// that open with bytes matching neither protocol are closed without a
// response.
type Negotiator struct {
	base    net.Listener
	tls     bool
	nextID  atomic.Uint64
	metrics *metrics.Collector
}

// New wraps base. tlsMode marks connections already carrying TLS, where
// ALPN replaces byte sniffing.
func New(base net.Listener, tlsMode bool, collector *metrics.Collector) *Negotiator {
	return &Negotiator{base: base, tls: tlsMode, metrics: collector}
}

// Accept returns the next successfully negotiated connection. Garbage
// connections are closed and skipped; the listener keeps accepting.
func (n *Negotiator) Accept() (net.Conn, error) {
	for {
		raw, err := n.base.Accept()
		if err != nil {
			return nil, err
		}
		conn, ok := n.negotiate(raw)
		if !ok {
			raw.Close()
			continue
		}
		return conn, nil
	}
}

// Close closes the underlying listener.
func (n *Negotiator) Close() error { return n.base.Close() }

// Addr returns the underlying listener's address.
func (n *Negotiator) Addr() net.Addr { return n.base.Addr() }

func (n *Negotiator) negotiate(raw net.Conn) (*Conn, bool) {
	id := n.nextID.Add(1)

	if n.tls {
		return n.negotiateTLS(raw, id)
	}

	raw.SetReadDeadline(time.Now().Add(peekTimeout))
	reader := bufio.NewReaderSize(raw, 4096)

	proto, ok := sniff(reader)
	if !ok {
		logging.Info("rejected connection: unrecognized protocol bytes")
		return nil, false
	}
	raw.SetReadDeadline(time.Time{})

	n.record(id, proto)
	return &Conn{Conn: raw, id: id, proto: proto, reader: reader, onClose: n.connClosed}, true
}

// negotiateTLS forces the handshake so ALPN settles the protocol before the
// HTTP server takes over.
func (n *Negotiator) negotiateTLS(raw net.Conn, id uint64) (*Conn, bool) {
	tc, ok := raw.(*tls.Conn)
	if !ok {
		return nil, false
	}
	raw.SetReadDeadline(time.Now().Add(peekTimeout))
	if err := tc.Handshake(); err != nil {
		logging.Info("rejected connection: TLS handshake failed")
		return nil, false
	}
	raw.SetReadDeadline(time.Time{})

	proto := tc.ConnectionState().NegotiatedProtocol
	if proto == "" {
		proto = WireHTTP1
	}

	n.record(id, proto)
	return &Conn{
		Conn:    raw,
		id:      id,
		proto:   proto,
		reader:  bufio.NewReaderSize(raw, 4096),
		onClose: n.connClosed,
	}, true
}

func (n *Negotiator) connClosed() {
	if n.metrics != nil {
		n.metrics.ActiveConnections.Dec()
	}
}

func (n *Negotiator) record(id uint64, proto string) {
	logging.ForConn(id, proto).Debug("connection accepted")
	if n.metrics != nil {
		n.metrics.Negotiated(proto)
		n.metrics.ActiveConnections.Inc()
	}
}

// Close closes the socket once and releases the active-connection slot.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

// sniff classifies the first bytes on the wire. The HTTP/2 preface is
// matched exactly; anything else must look like an HTTP/1 request line.
// Eight bytes settle the question: every valid request line is longer, and
// "PRI * HT" collides with no real method.
func sniff(reader *bufio.Reader) (string, bool) {
	head, err := reader.Peek(8)
	if err != nil {
		return "", false
	}

	if string(head) == http2Preface[:8] {
		full, err := reader.Peek(len(http2Preface))
		if err != nil || string(full) != http2Preface {
			return "", false
		}
		return WireHTTP2, true
	}

	if looksLikeHTTP1(head) {
		return WireHTTP1, true
	}
	return "", false
}

// looksLikeHTTP1 accepts a token prefix followed by a space, the shape of a
// request line's method. The prefix may end mid-token if fewer bytes have
// arrived.
func looksLikeHTTP1(head []byte) bool {
	for i, b := range head {
		if b == ' ' {
			return i > 0
		}
		if b < 'A' || b > 'Z' {
			return false
		}
	}
	return true
}
