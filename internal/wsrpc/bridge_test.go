package wsrpc

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/trac-platform/gateway/internal/config"
	"github.com/trac-platform/gateway/internal/proxy"
	"github.com/trac-platform/gateway/internal/routing"
)

// streamBackend is an in-process gRPC server answering any method through a
// single raw stream handler.
func streamBackend(t *testing.T, handler grpc.StreamHandler) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	backend := grpc.NewServer(
		grpc.ForceServerCodec(proxy.RawCodec{}),
		grpc.UnknownServiceHandler(handler),
	)
	go backend.Serve(lis)
	t.Cleanup(backend.Stop)
	return lis.Addr().String()
}

// bridgeServer wires an Engine to a backend and returns the ws:// URL.
func bridgeServer(t *testing.T, backendAddr string) string {
	t.Helper()

	host, portStr, err := net.SplitHostPort(backendAddr)
	if err != nil {
		t.Fatalf("split backend addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("backend port: %v", err)
	}
	route := routing.NewRoute(config.RouteConfig{
		RouteName: "grpc-test",
		RouteType: config.ProtocolGRPC,
		Match:     config.MatchConfig{Path: "/"},
		Target:    config.TargetConfig{Scheme: "grpc", Host: host, Port: port},
	}, 0)

	pool := proxy.NewGRPCPool(2 * time.Second)
	t.Cleanup(pool.Close)
	engine := NewEngine(pool, 0, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engine.Serve(w, r, route)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialBridge(t *testing.T, url, method string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	ws, _, err := dialer.Dial(url+method, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", method, err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *Frame {
	t.Helper()
	kind, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", kind)
	}
	frame, n, err := (&Decoder{}).Decode(msg)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame == nil || n != len(msg) {
		t.Fatalf("frame does not span the message (%d of %d bytes)", n, len(msg))
	}
	return frame
}

// expectClose reads until the peer closes and asserts the close code.
func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("close = %v, want code %d", err, code)
		}
		return
	}
}

// echoHandler collects client messages until end-of-stream and plays them
// back.
func echoHandler(srv interface{}, stream grpc.ServerStream) error {
	var received [][]byte
	for {
		var msg proxy.RawMessage
		err := stream.RecvMsg(&msg)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		received = append(received, msg.Data)
	}
	for _, data := range received {
		if err := stream.SendMsg(&proxy.RawMessage{Data: data}); err != nil {
			return err
		}
	}
	return nil
}

// holdHandler parks until the gateway tears the stream down; it lets tests
// observe client-side protocol errors without a backend race.
func holdHandler(srv interface{}, stream grpc.ServerStream) error {
	<-stream.Context().Done()
	return stream.Context().Err()
}

func TestBridgeEchoStream(t *testing.T) {
	backend := streamBackend(t, echoHandler)
	url := bridgeServer(t, backend)
	ws := dialBridge(t, url, "/trac.test.Streaming/echo")

	payloads := [][]byte{[]byte("first message"), []byte("second message")}
	for _, p := range payloads {
		if err := ws.WriteMessage(websocket.BinaryMessage, DataFrame(p).Encode()); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, EndOfStream()); err != nil {
		t.Fatalf("write eos: %v", err)
	}

	for i, want := range payloads {
		frame := readFrame(t, ws)
		if frame.IsTrailer() {
			t.Fatalf("frame %d is a trailer, want data", i)
		}
		if string(frame.Payload) != string(want) {
			t.Fatalf("frame %d payload = %q, want %q", i, frame.Payload, want)
		}
	}

	trailer := readFrame(t, ws)
	if !trailer.IsTrailer() {
		t.Fatal("stream did not end with a trailer frame")
	}
	if got := ParseTrailer(trailer.Payload)["grpc-status"]; got != "0" {
		t.Fatalf("grpc-status = %q, want %q", got, "0")
	}

	expectClose(t, ws, websocket.CloseNormalClosure)
}

func TestBridgeTrailerCarriesStatus(t *testing.T) {
	backend := streamBackend(t, func(srv interface{}, stream grpc.ServerStream) error {
		return status.Error(codes.NotFound, "no such object")
	})
	url := bridgeServer(t, backend)
	ws := dialBridge(t, url, "/trac.test.Streaming/fail")

	if err := ws.WriteMessage(websocket.BinaryMessage, EndOfStream()); err != nil {
		t.Fatalf("write eos: %v", err)
	}

	trailer := readFrame(t, ws)
	if !trailer.IsTrailer() {
		t.Fatal("stream did not end with a trailer frame")
	}
	got := ParseTrailer(trailer.Payload)
	if got["grpc-status"] != strconv.Itoa(int(codes.NotFound)) {
		t.Fatalf("grpc-status = %q, want %d", got["grpc-status"], codes.NotFound)
	}
	if got["grpc-message"] != "no such object" {
		t.Fatalf("grpc-message = %q", got["grpc-message"])
	}

	expectClose(t, ws, websocket.CloseNormalClosure)
}

func TestBridgeMessageAfterEndOfStream(t *testing.T) {
	backend := streamBackend(t, holdHandler)
	url := bridgeServer(t, backend)
	ws := dialBridge(t, url, "/trac.test.Streaming/hold")

	if err := ws.WriteMessage(websocket.BinaryMessage, EndOfStream()); err != nil {
		t.Fatalf("write eos: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, DataFrame([]byte("late")).Encode()); err != nil {
		t.Fatalf("write: %v", err)
	}

	expectClose(t, ws, websocket.CloseProtocolError)
}

func TestBridgeRejectsClientTrailer(t *testing.T) {
	backend := streamBackend(t, holdHandler)
	url := bridgeServer(t, backend)
	ws := dialBridge(t, url, "/trac.test.Streaming/hold")

	trailer := TrailerFrame(map[string]string{"grpc-status": "0"})
	if err := ws.WriteMessage(websocket.BinaryMessage, trailer.Encode()); err != nil {
		t.Fatalf("write: %v", err)
	}

	expectClose(t, ws, websocket.CloseProtocolError)
}

func TestOutgoingMetadata(t *testing.T) {
	r := httptest.NewRequest("GET", "/trac.api.TracDataApi/createDataset", nil)
	r.Header.Set("Trac-Auth-Token", "abc")
	r.Header.Set("X-Request-Id", "req-1")
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-Websocket-Key", "k")
	r.Header.Set("Sec-Websocket-Protocol", Subprotocol)
	r.Header.Set("Content-Length", "12")

	md := outgoingMetadata(r)

	for _, want := range []string{"trac-auth-token", "x-request-id"} {
		if len(md.Get(want)) == 0 {
			t.Errorf("metadata missing %q", want)
		}
	}
	for _, banned := range []string{
		"connection", "upgrade", "sec-websocket-key",
		"sec-websocket-protocol", "content-length", "host",
	} {
		if len(md.Get(banned)) != 0 {
			t.Errorf("metadata carries %q", banned)
		}
	}
}

func TestSkippedMetadataHeader(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"te", true},
		{"trailer", true},
		{"transfer-encoding", true},
		{"sec-websocket-version", true},
		{"trac-auth-token", false},
		{"grpc-timeout", false},
		{"authorization", false},
	}
	for _, tc := range tests {
		if got := skippedMetadataHeader(tc.header); got != tc.want {
			t.Errorf("skippedMetadataHeader(%q) = %v, want %v", tc.header, got, tc.want)
		}
	}
}
