// Package transport carries gossip pushes between members over gRPC.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ryandielhenn/rumormill/pkg/gossip"
)

const (
	pushMethod         = "/rumormill.Gossip/Push"
	DefaultPushTimeout = 2 * time.Second
)

type pushService interface {
	push(ctx context.Context, req *PushRequest) (*PushReply, error)
}

var gossipServiceDesc = grpc.ServiceDesc{
	ServiceName: "rumormill.Gossip",
	HandlerType: (*pushService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rumormill/gossip.proto",
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(pushService).push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(pushService).push(ctx, req.(*PushRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPC is both ends of the gossip push: it implements gossip.Transport
// and serves pushes into a gossip.Receiver.
type GRPC struct {
	id      string
	logger  *zap.Logger
	timeout time.Duration

	srv  *grpc.Server
	recv gossip.Receiver

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// New returns a transport that identifies its pushes as memberID.
func New(memberID string, logger *zap.Logger) (*GRPC, error) {
	if memberID == "" {
		return nil, errors.New("transport: member id must be provided")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPC{
		id:      memberID,
		logger:  logger,
		timeout: DefaultPushTimeout,
		srv:     grpc.NewServer(grpc.ForceServerCodec(codec{})),
		conns:   make(map[string]*grpc.ClientConn),
	}, nil
}

// Serve delivers inbound pushes to recv until lis is closed or Close is
// called. It blocks.
func (g *GRPC) Serve(lis net.Listener, recv gossip.Receiver) error {
	g.recv = recv
	g.srv.RegisterService(&gossipServiceDesc, g)
	g.logger.Info("gossip transport listening", zap.String("addr", lis.Addr().String()))
	if err := g.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("transport: serve: %w", err)
	}
	return nil
}

func (g *GRPC) push(ctx context.Context, req *PushRequest) (*PushReply, error) {
	g.recv.Deliver(req.From, req.Rumors)
	return &PushReply{Accepted: int32(len(req.Rumors))}, nil
}

func (g *GRPC) conn(addr string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	g.conns[addr] = c
	return c, nil
}

// Push sends rumors to the member serving at addr.
func (g *GRPC) Push(ctx context.Context, addr string, rumors [][]byte) error {
	c, err := g.conn(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reply PushReply
	if err := c.Invoke(ctx, pushMethod, &PushRequest{From: g.id, Rumors: rumors}, &reply); err != nil {
		return fmt.Errorf("transport: push to %s: %w", addr, err)
	}
	return nil
}

// Close stops serving and drops every cached client connection.
func (g *GRPC) Close() {
	g.srv.Stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	for addr, c := range g.conns {
		if err := c.Close(); err != nil {
			g.logger.Debug("close connection", zap.String("addr", addr), zap.Error(err))
		}
		delete(g.conns, addr)
	}
}
