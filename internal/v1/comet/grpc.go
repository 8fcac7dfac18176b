package comet

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
)

// BroadcastServer answers BroadcastRoom RPCs from the job tier.
type BroadcastServer struct {
	hub *Hub
}

// NewBroadcastServer wires the RPC surface onto a hub.
func NewBroadcastServer(hub *Hub) *BroadcastServer {
	return &BroadcastServer{hub: hub}
}

// BroadcastRoom delivers the framed body to every local subscriber of the
// room. Unknown operations are acked with zero deliveries rather than
// failing the whole fan-out.
func (s *BroadcastServer) BroadcastRoom(ctx context.Context, req *protocol.BroadcastRoomReq) (*protocol.BroadcastRoomReply, error) {
	if req.Proto.Op != protocol.OpSendMsg {
		logging.Debug(ctx, "skipping unsupported broadcast op",
			zap.Int32("op", req.Proto.Op),
			zap.String("room_id", req.RoomID))
		return &protocol.BroadcastRoomReply{}, nil
	}

	delivered := s.hub.BroadcastLocal(req.RoomID, []byte(req.Proto.Body), "")

	logging.Debug(ctx, "room broadcast delivered",
		zap.String("room_id", req.RoomID),
		zap.Int("delivered", delivered))

	return &protocol.BroadcastRoomReply{Delivered: int32(delivered)}, nil
}

// NewGRPCServer builds the gRPC server hosting the broadcast service.
func NewGRPCServer(hub *Hub) *grpc.Server {
	srv := grpc.NewServer()
	protocol.RegisterCometServer(srv, NewBroadcastServer(hub))
	return srv
}
