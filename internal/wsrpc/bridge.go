package wsrpc

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/trac-platform/gateway/internal/errors"
	"github.com/trac-platform/gateway/internal/logging"
	"github.com/trac-platform/gateway/internal/metrics"
	"github.com/trac-platform/gateway/internal/proxy"
	"github.com/trac-platform/gateway/internal/routing"
)

// Subprotocol is the WebSocket subprotocol spoken by gRPC-over-WebSocket
// clients.
const Subprotocol = "grpc-websockets"

const (
	// closeProtocolError terminates connections that violate the framing
	// rules (RFC 6455 status 1002).
	closeProtocolError = websocket.CloseProtocolError
	// closeTryAgainLater terminates connections a slow reader has let
	// overflow the outbound queue (RFC 6455 status 1013).
	closeTryAgainLater = websocket.CloseTryAgainLater

	// outboundQueueSize bounds frames buffered toward a client before the
	// connection is declared overloaded.
	outboundQueueSize = 64

	writeTimeout = 30 * time.Second
)

// Engine upgrades HTTP requests to WebSocket connections and bridges the
// LPM frame stream to a bidirectional gRPC stream on the backend.
type Engine struct {
	pool       *proxy.GRPCPool
	maxPayload int
	metrics    *metrics.Collector
	upgrader   websocket.Upgrader
}

// NewEngine builds a bridge engine on a shared backend pool.
func NewEngine(pool *proxy.GRPCPool, maxPayload int, collector *metrics.Collector) *Engine {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Engine{
		pool:       pool,
		maxPayload: maxPayload,
		metrics:    collector,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			Subprotocols:    []string{Subprotocol},
			// Routing already vetted the request; origin policy is the
			// platform's business, not the transport's.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve handles one gRPC-over-WebSocket request for a matched route.
func (e *Engine) Serve(w http.ResponseWriter, r *http.Request, route *routing.Route) {
	fullMethod := route.RewritePath(r.URL.Path)
	if !validMethodPath(fullMethod) {
		errors.ErrBadRequest.WriteJSON(w)
		return
	}

	md := outgoingMetadata(r)

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		logging.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := e.pool.Get(ctx, route.Target.Addr())
	if err != nil {
		logging.Errorf("route %s: %v", route.Name, err)
		e.closeWith(ws, websocket.CloseInternalServerErr, "backend unreachable")
		return
	}

	desc := &grpc.StreamDesc{
		StreamName:    fullMethod,
		ClientStreams: true,
		ServerStreams: true,
	}
	stream, err := conn.NewStream(metadata.NewOutgoingContext(ctx, md), desc,
		fullMethod, grpc.ForceCodec(proxy.RawCodec{}))
	if err != nil {
		logging.Errorf("route %s: open stream %s: %v", route.Name, fullMethod, err)
		e.closeWith(ws, websocket.CloseInternalServerErr, "backend unreachable")
		return
	}

	session := &bridgeSession{
		engine:   e,
		ws:       ws,
		stream:   stream,
		cancel:   cancel,
		outbound: make(chan *Frame, outboundQueueSize),
		closing:  make(chan []byte, 1),
		done:     make(chan struct{}),
		wrote:    make(chan struct{}),
	}
	session.run()
}

// bridgeSession pumps frames in both directions for a single connection.
// The write loop is the only goroutine that touches the WebSocket write
// side; everyone else queues on outbound or closing.
type bridgeSession struct {
	engine *Engine
	ws     *websocket.Conn
	stream grpc.ClientStream
	cancel context.CancelFunc

	outbound chan *Frame
	closing  chan []byte
	done     chan struct{}
	wrote    chan struct{}
}

func (s *bridgeSession) run() {
	go s.writeLoop()
	go s.backendLoop()
	s.clientLoop()

	// Client loop returning means the WebSocket read side is finished;
	// cancelling the stream context unblocks the backend loop, and the
	// write loop drains behind it.
	s.cancel()
	<-s.done
	<-s.wrote
}

// clientLoop reads WebSocket messages and forwards them to the backend.
// Each message is either a complete LPM data frame or the one-byte
// end-of-stream marker; no other shape is legal.
func (s *bridgeSession) clientLoop() {
	decoder := &Decoder{MaxPayload: s.engine.maxPayload}
	eosSeen := false

	for {
		kind, msg, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			s.protocolError("text frame on binary protocol")
			return
		}

		if IsEndOfStream(msg) {
			if eosSeen {
				s.protocolError("duplicate end-of-stream")
				return
			}
			eosSeen = true
			s.stream.CloseSend()
			s.engine.countFrame("in", "eos")
			continue
		}
		if eosSeen {
			s.protocolError("message after end-of-stream")
			return
		}

		frame, n, err := decoder.Decode(msg)
		if err != nil {
			s.protocolError(err.Error())
			return
		}
		if frame == nil || n != len(msg) {
			s.protocolError("malformed frame")
			return
		}
		if frame.IsTrailer() {
			s.protocolError("trailer from client")
			return
		}

		payload := frame.Payload
		if frame.IsCompressed() {
			payload, err = Inflate(payload)
			if err != nil {
				s.protocolError(err.Error())
				return
			}
		}

		if err := s.stream.SendMsg(&proxy.RawMessage{Data: payload}); err != nil {
			// Backend refused the message; its verdict arrives as the
			// trailer from the backend loop.
			return
		}
		s.engine.countFrame("in", "message")
	}
}

// backendLoop reads backend messages and enqueues LPM frames toward the
// client, ending with exactly one trailer frame.
func (s *bridgeSession) backendLoop() {
	defer close(s.done)

	for {
		var msg proxy.RawMessage
		err := s.stream.RecvMsg(&msg)
		if err != nil {
			s.sendTrailer(err)
			return
		}
		if !s.enqueue(DataFrame(msg.Data)) {
			return
		}
		s.engine.countFrame("out", "message")
	}
}

// sendTrailer converts the stream outcome into a trailer frame. io.EOF is a
// clean end; anything else carries a gRPC status.
func (s *bridgeSession) sendTrailer(cause error) {
	st := status.Convert(nil)
	if cause != io.EOF {
		st = status.Convert(cause)
	}

	trailers := map[string]string{
		"grpc-status": strconv.Itoa(int(st.Code())),
	}
	if st.Message() != "" {
		trailers["grpc-message"] = st.Message()
	}
	for k, vals := range s.stream.Trailer() {
		if len(vals) > 0 {
			trailers[k] = vals[0]
		}
	}

	if s.enqueue(TrailerFrame(trailers)) {
		s.engine.countFrame("out", "trailer")
		s.enqueueClose(websocket.CloseNormalClosure, "")
	}
}

// enqueue hands a frame to the write loop. A full queue means the client is
// not keeping up; the connection is closed with 1013 rather than letting
// writes back up into the backend stream.
func (s *bridgeSession) enqueue(frame *Frame) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		s.requestClose(closeTryAgainLater, "write queue overflow")
		return false
	}
}

func (s *bridgeSession) enqueueClose(code int, reason string) {
	select {
	case s.outbound <- &Frame{Flags: closeSentinel, Payload: encodeClose(code, reason)}:
	default:
	}
}

// requestClose asks the write loop to terminate the connection. Safe from
// any goroutine; only the first pending close wins.
func (s *bridgeSession) requestClose(code int, reason string) {
	select {
	case s.closing <- encodeClose(code, reason):
	default:
	}
	s.cancel()
}

func (s *bridgeSession) writeLoop() {
	defer close(s.wrote)

	for {
		// Error closes jump the frame queue.
		select {
		case msg := <-s.closing:
			s.writeClose(msg)
			return
		default:
		}

		select {
		case msg := <-s.closing:
			s.writeClose(msg)
			return
		case frame := <-s.outbound:
			if !s.writeFrame(frame) {
				return
			}
		case <-s.done:
			// Drain anything the backend loop queued before it finished.
			for {
				select {
				case msg := <-s.closing:
					s.writeClose(msg)
					return
				case frame := <-s.outbound:
					if !s.writeFrame(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeFrame writes one queued frame, or the queued close for the sentinel.
// Returns false when the write loop should stop.
func (s *bridgeSession) writeFrame(frame *Frame) bool {
	if frame.Flags == closeSentinel {
		s.writeClose(frame.Payload)
		return false
	}
	s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.ws.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		s.cancel()
		return false
	}
	return true
}

func (s *bridgeSession) writeClose(msg []byte) {
	s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.ws.WriteMessage(websocket.CloseMessage, msg)
	s.ws.Close()
}

// closeSentinel is an internal flag value (both reserved bits set) marking a
// queued close message. It never appears on the wire.
const closeSentinel byte = 0xFF

func encodeClose(code int, reason string) []byte {
	return websocket.FormatCloseMessage(code, reason)
}

func (s *bridgeSession) protocolError(reason string) {
	s.requestClose(closeProtocolError, reason)
}

// closeWith terminates a connection before the bridge loops have started,
// while Serve is still the only writer.
func (e *Engine) closeWith(ws *websocket.Conn, code int, reason string) {
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	ws.Close()
}

func (e *Engine) countFrame(direction, kind string) {
	if e.metrics != nil {
		e.metrics.LPMFrame(direction, kind)
	}
}

// validMethodPath accepts "/package.Service/Method" shapes.
func validMethodPath(path string) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}
	parts := strings.Split(path[1:], "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

// outgoingMetadata converts request headers into backend metadata, dropping
// the WebSocket handshake machinery and hop-by-hop headers.
func outgoingMetadata(r *http.Request) metadata.MD {
	md := metadata.MD{}
	for name, vals := range r.Header {
		lower := strings.ToLower(name)
		if skippedMetadataHeader(lower) {
			continue
		}
		md[lower] = vals
	}
	return md
}

func skippedMetadataHeader(lower string) bool {
	switch lower {
	case "connection", "upgrade", "keep-alive", "proxy-connection",
		"transfer-encoding", "te", "trailer", "host", "content-length":
		return true
	}
	return strings.HasPrefix(lower, "sec-websocket-")
}
