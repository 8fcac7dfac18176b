package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Proto is the framed payload delivered to edges. Body holds the UTF-8 JSON
// text of a serverMessages envelope.
type Proto struct {
	Ver  int32  `json:"ver"`
	Op   int32  `json:"op"`
	Seq  int32  `json:"seq"`
	Body string `json:"body"`
}

// BroadcastRoomReq asks an edge to deliver Proto.Body to every local
// subscriber of RoomID.
type BroadcastRoomReq struct {
	RoomID string `json:"roomid"`
	Proto  Proto  `json:"proto"`
}

// BroadcastRoomReply reports how many local connections were written to.
type BroadcastRoomReply struct {
	Delivered int32 `json:"delivered"`
}

const (
	// CodecName is the grpc content-subtype both sides agree on.
	CodecName = "json"

	cometServiceName    = "chatroom.Comet"
	broadcastRoomMethod = "/chatroom.Comet/BroadcastRoom"
)

// jsonCodec lets the comet service run without committed protobuf
// artifacts. Registered under the "json" content-subtype; the server side
// picks it up from the request content-type.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CometServer is implemented by the comet process.
type CometServer interface {
	BroadcastRoom(ctx context.Context, req *BroadcastRoomReq) (*BroadcastRoomReply, error)
}

// CometClient is held by job, one per edge address.
type CometClient interface {
	BroadcastRoom(ctx context.Context, req *BroadcastRoomReq) (*BroadcastRoomReply, error)
}

type cometClient struct {
	cc grpc.ClientConnInterface
}

// NewCometClient wraps a client connection to an edge.
func NewCometClient(cc grpc.ClientConnInterface) CometClient {
	return &cometClient{cc: cc}
}

func (c *cometClient) BroadcastRoom(ctx context.Context, req *BroadcastRoomReq) (*BroadcastRoomReply, error) {
	reply := new(BroadcastRoomReply)
	err := c.cc.Invoke(ctx, broadcastRoomMethod, req, reply, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, fmt.Errorf("broadcast room rpc: %w", err)
	}
	return reply, nil
}

func broadcastRoomHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(BroadcastRoomReq)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CometServer).BroadcastRoom(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: broadcastRoomMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CometServer).BroadcastRoom(ctx, req.(*BroadcastRoomReq))
	}
	return interceptor(ctx, req, info, handler)
}

// CometServiceDesc wires CometServer into a grpc.Server.
var CometServiceDesc = grpc.ServiceDesc{
	ServiceName: cometServiceName,
	HandlerType: (*CometServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "BroadcastRoom", Handler: broadcastRoomHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterCometServer attaches the comet broadcast service to s.
func RegisterCometServer(s *grpc.Server, srv CometServer) {
	s.RegisterService(&CometServiceDesc, srv)
}
