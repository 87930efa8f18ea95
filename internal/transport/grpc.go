package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const (
	codecName  = "json"
	callMethod = "/gridcache.Peer/Call"
)

// jsonCodec lets envelopes travel over gRPC without generated protobuf types
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// peerServer is the service implemented by every node
type peerServer interface {
	Call(ctx context.Context, req *Envelope) (*Envelope, error)
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).Call(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "gridcache.Peer",
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gridcache/peer",
}

// Resolver maps a node id to its RPC address
type Resolver func(id model.NodeID) (string, bool)

// GRPCConfig configures the gRPC transport
type GRPCConfig struct {
	NodeID         model.NodeID
	ListenAddr     string
	Resolve        Resolver
	MaxConcurrency uint32
}

// GRPCTransport sends envelopes as unary gRPC calls
type GRPCTransport struct {
	cfg    GRPCConfig
	logger *zap.Logger
	server *grpc.Server
	lis    net.Listener

	mu      sync.RWMutex
	handler Handler
	conns   map[string]*grpc.ClientConn
}

// NewGRPCTransport listens on cfg.ListenAddr and starts serving
func NewGRPCTransport(cfg GRPCConfig, logger *zap.Logger) (*GRPCTransport, error) {
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 1024
	}
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	t := &GRPCTransport{
		cfg:    cfg,
		logger: logger,
		lis:    lis,
		conns:  make(map[string]*grpc.ClientConn),
		server: grpc.NewServer(grpc.MaxConcurrentStreams(cfg.MaxConcurrency)),
	}
	t.server.RegisterService(&peerServiceDesc, &peerService{t: t})

	go func() {
		if err := t.server.Serve(lis); err != nil {
			logger.Error("Peer gRPC server stopped", zap.Error(err))
		}
	}()

	logger.Info("Peer transport listening",
		zap.String("node_id", string(cfg.NodeID)),
		zap.String("address", lis.Addr().String()))
	return t, nil
}

// Addr returns the bound listen address
func (t *GRPCTransport) Addr() string {
	return t.lis.Addr().String()
}

// Serve installs the inbound handler
func (t *GRPCTransport) Serve(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
	return nil
}

// peerService dispatches inbound calls to the installed handler
type peerService struct {
	t *GRPCTransport
}

func (s *peerService) Call(ctx context.Context, req *Envelope) (*Envelope, error) {
	s.t.mu.RLock()
	h := s.t.handler
	s.t.mu.RUnlock()
	if h == nil {
		return reply(req, nil, cerrors.Stopped("peer handler")), nil
	}
	body, err := h(ctx, req)
	return reply(req, body, err), nil
}

func (t *GRPCTransport) conn(to model.NodeID) (*grpc.ClientConn, error) {
	addr, ok := t.cfg.Resolve(to)
	if !ok {
		return nil, cerrors.ParticipantUnreachable(string(to), fmt.Errorf("no address"))
	}

	t.mu.RLock()
	conn, exists := t.conns[addr]
	t.mu.RUnlock()
	if exists {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, exists := t.conns[addr]; exists {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, cerrors.ParticipantUnreachable(string(to), err)
	}
	t.conns[addr] = conn

	t.logger.Debug("Created peer connection",
		zap.String("node_id", string(to)),
		zap.String("target", addr))
	return conn, nil
}

// Call sends a request to a peer
func (t *GRPCTransport) Call(ctx context.Context, to model.NodeID, kind string, req, resp interface{}) error {
	conn, err := t.conn(to)
	if err != nil {
		return err
	}
	env, err := NewRequest(t.cfg.NodeID, kind, req)
	if err != nil {
		return err
	}

	out := new(Envelope)
	if err := conn.Invoke(ctx, callMethod, env, out); err != nil {
		return cerrors.FromGRPCError(string(to), err)
	}
	return result(out, resp)
}

// Close stops the server and closes peer connections
func (t *GRPCTransport) Close() error {
	t.server.GracefulStop()

	t.mu.Lock()
	defer t.mu.Unlock()
	var errs error
	for addr, conn := range t.conns {
		errs = multierr.Append(errs, conn.Close())
		delete(t.conns, addr)
	}
	return errs
}
