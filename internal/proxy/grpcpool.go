package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/trac-platform/gateway/internal/logging"
)

// RawCodec moves opaque byte slices through grpc-go without touching them.
// The gateway relays frames between clients and backends and never decodes
// the protobuf payloads itself.
type RawCodec struct{}

// RawMessage is the message type RawCodec and JSONCodec operate on.
type RawMessage struct {
	Data []byte
}

func (RawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*RawMessage)
	if !ok {
		return nil, fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	return m.Data, nil
}

func (RawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*RawMessage)
	if !ok {
		return fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	m.Data = data
	return nil
}

func (RawCodec) Name() string { return "raw" }

// JSONCodec moves pre-encoded JSON bodies through grpc-go for backends that
// register a JSON codec. Used by the REST transcoder.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*RawMessage)
	if !ok {
		return nil, fmt.Errorf("json codec: unexpected message type %T", v)
	}
	return m.Data, nil
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*RawMessage)
	if !ok {
		return fmt.Errorf("json codec: unexpected message type %T", v)
	}
	m.Data = data
	return nil
}

func (JSONCodec) Name() string { return "json" }

// GRPCPool shares one ClientConn per backend address. grpc-go multiplexes
// streams over a single HTTP/2 connection, so one conn per target is enough.
// The map lock covers only entry lookup; dialing happens outside it, so one
// unreachable backend never stalls requests for the others.
type GRPCPool struct {
	mu    sync.Mutex
	conns map[string]*poolEntry

	dialTimeout time.Duration
	dialOpts    []grpc.DialOption
}

// poolEntry dials its target at most once; concurrent Gets for the same
// target wait on the first dial.
type poolEntry struct {
	once sync.Once
	conn *grpc.ClientConn
	err  error
}

// NewGRPCPool builds a pool. Extra dial options (per-RPC credentials,
// transport security) are applied to every connection.
func NewGRPCPool(dialTimeout time.Duration, opts ...grpc.DialOption) *GRPCPool {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &GRPCPool{
		conns:       make(map[string]*poolEntry),
		dialTimeout: dialTimeout,
		dialOpts:    opts,
	}
}

// Get returns the shared conn for target, dialing on first use. A failed
// dial is not cached; the next request for that target dials again.
func (p *GRPCPool) Get(ctx context.Context, target string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	entry, ok := p.conns[target]
	if !ok {
		entry = &poolEntry{}
		p.conns[target] = entry
	}
	p.mu.Unlock()

	entry.once.Do(func() {
		entry.conn, entry.err = p.dial(ctx, target)
	})

	if entry.err != nil {
		p.mu.Lock()
		if p.conns[target] == entry {
			delete(p.conns, target)
		}
		p.mu.Unlock()
		return nil, entry.err
	}
	return entry.conn, nil
}

// dial retries with exponential backoff until the timeout elapses; backends
// are often still starting when the gateway comes up.
func (p *GRPCPool) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
	var conn *grpc.ClientConn

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = p.dialTimeout

	err := backoff.Retry(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()

		opts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		}, p.dialOpts...)

		var err error
		conn, err = grpc.DialContext(dialCtx, target, opts...)
		if err != nil {
			logging.Warnf("dial %s: %v", target, err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// Close tears down every pooled connection.
func (p *GRPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for target, entry := range p.conns {
		entry.once.Do(func() {}) // wait out any in-flight dial
		if entry.conn != nil {
			entry.conn.Close()
		}
		delete(p.conns, target)
	}
}
