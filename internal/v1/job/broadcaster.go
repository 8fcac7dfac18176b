package job

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
)

// Broadcaster delivers one framed message to an edge.
type Broadcaster interface {
	BroadcastRoom(ctx context.Context, addr string, req *protocol.BroadcastRoomReq) (int32, error)
}

// GRPCBroadcaster keeps one client connection per edge address. Connections
// are created lazily and reused; gRPC handles reconnects underneath.
type GRPCBroadcaster struct {
	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	clients map[string]protocol.CometClient
}

// NewGRPCBroadcaster builds an empty connection cache.
func NewGRPCBroadcaster() *GRPCBroadcaster {
	return &GRPCBroadcaster{
		conns:   make(map[string]*grpc.ClientConn),
		clients: make(map[string]protocol.CometClient),
	}
}

func (b *GRPCBroadcaster) client(addr string) (protocol.CometClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if client, ok := b.clients[addr]; ok {
		return client, nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial edge %s: %w", addr, err)
	}
	client := protocol.NewCometClient(conn)
	b.conns[addr] = conn
	b.clients[addr] = client
	return client, nil
}

// BroadcastRoom invokes the edge's broadcast RPC and reports deliveries.
func (b *GRPCBroadcaster) BroadcastRoom(ctx context.Context, addr string, req *protocol.BroadcastRoomReq) (int32, error) {
	client, err := b.client(addr)
	if err != nil {
		return 0, err
	}
	reply, err := client.BroadcastRoom(ctx, req)
	if err != nil {
		return 0, err
	}
	return reply.Delivered, nil
}

// Close tears down every cached connection.
func (b *GRPCBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for addr, conn := range b.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.conns, addr)
		delete(b.clients, addr)
	}
	return firstErr
}
