package comet

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duang3457/instant-messaging-project/internal/v1/auth"
	"github.com/duang3457/instant-messaging-project/internal/v1/history"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
)

// --- test doubles ---

type frame struct {
	messageType int
	data        []byte
}

// fakeConn drives the client pumps without a socket.
type fakeConn struct {
	reads    chan []byte
	binReads chan []byte
	writes   chan frame

	closeOnce sync.Once
	closed    chan struct{}
	endOnce   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:    make(chan []byte, 16),
		binReads: make(chan []byte, 4),
		writes:   make(chan frame, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.reads:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case data := <-f.binReads:
		return websocket.BinaryMessage, data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case f.writes <- frame{messageType: messageType, data: append([]byte(nil), data...)}:
	default:
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// endInput closes the read side so the read pump exits cleanly.
func (f *fakeConn) endInput() {
	f.endOnce.Do(func() { close(f.reads) })
}

// nextFrame waits for the next written frame.
func (f *fakeConn) nextFrame(t *testing.T) frame {
	t.Helper()
	select {
	case fr := <-f.writes:
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

// nextEnvelope waits for the next text frame and decodes it.
func (f *fakeConn) nextEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	for {
		fr := f.nextFrame(t)
		if fr.messageType != websocket.TextMessage {
			continue
		}
		env, err := protocol.Decode(fr.data)
		require.NoError(t, err)
		return env
	}
}

type fakeProducer struct {
	mu     sync.Mutex
	pushed []*protocol.PushMsg
	fail   atomic.Bool
}

func (p *fakeProducer) Publish(_ context.Context, msg *protocol.PushMsg) error {
	if p.fail.Load() {
		return fmt.Errorf("broker unavailable")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, msg)
	return nil
}

func (p *fakeProducer) last(t *testing.T) *protocol.PushMsg {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.pushed) > 0 {
			msg := p.pushed[len(p.pushed)-1]
			p.mu.Unlock()
			return msg
		}
		p.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no record produced")
	return nil
}

// --- fixtures ---

var testDBSeq atomic.Int64

type testEdge struct {
	hub      *Hub
	auth     *auth.Service
	redis    *store.Redis
	db       *store.DB
	producer *fakeProducer
	mr       *miniredis.Miniredis
}

func newTestEdge(t *testing.T) *testEdge {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redis, err := store.NewRedis(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = redis.Close() })

	dsn := fmt.Sprintf("file:comettest%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := store.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	authSvc := auth.NewService(redis, db)
	historySvc := history.NewService(redis, db)
	producer := &fakeProducer{}

	hub := NewHub("edge-1:50051", authSvc, historySvc, redis, db, producer, []string{"http://localhost:3000"})
	return &testEdge{hub: hub, auth: authSvc, redis: redis, db: db, producer: producer, mr: mr}
}

func (e *testEdge) connect(t *testing.T, username string) (*fakeConn, *store.User) {
	t.Helper()
	ctx := context.Background()

	_, err := e.auth.Register(ctx, username, username+"@example.com", "pw")
	require.NoError(t, err)
	user, err := e.db.GetUserByUsername(ctx, username)
	require.NoError(t, err)

	conn := newFakeConn()
	e.hub.HandleConnection(ctx, conn, user)
	t.Cleanup(conn.endInput)
	return conn, user
}

// --- tests ---

func TestHelloSnapshot(t *testing.T) {
	edge := newTestEdge(t)
	ctx := context.Background()

	conn, user := edge.connect(t, "alice")

	// Pre-existing traffic shows up in the snapshot, oldest first.
	for i := 1; i <= 3; i++ {
		_, err := edge.hub.history.Store(ctx, protocol.MessageView{
			ID:        fmt.Sprintf("%d-0", 1000+i),
			Content:   fmt.Sprintf("msg %d", i),
			Timestamp: int64(1000 + i),
			RoomID:    "0001",
			User:      protocol.UserInfo{ID: "9", Username: "bob"},
		})
		require.NoError(t, err)
	}

	conn.reads <- mustEncode(t, protocol.TypeHello, struct{}{})
	env := conn.nextEnvelope(t)
	require.Equal(t, protocol.TypeHello, env.Type)

	var reply protocol.HelloReply
	require.NoError(t, json.Unmarshal(env.Payload, &reply))
	assert.Equal(t, "alice", reply.User.Username)
	assert.Equal(t, "/img/default.png", reply.User.Avatar)

	require.Len(t, reply.Rooms, 2)
	general := reply.Rooms[0]
	assert.Equal(t, "0001", general.ID)
	assert.Equal(t, "General", general.Name)
	assert.Equal(t, "Random", reply.Rooms[1].Name)

	require.Len(t, general.Messages, 3)
	assert.Equal(t, "msg 1", general.Messages[0].Content)
	assert.Equal(t, "msg 3", general.Messages[2].Content)

	require.Len(t, general.Users, 1)
	assert.Equal(t, userIDString(user.ID), general.Users[0].ID)
	assert.Equal(t, "alice", general.Users[0].Username)
}

func TestClientMessageFanout(t *testing.T) {
	edge := newTestEdge(t)
	ctx := context.Background()

	sender, _ := edge.connect(t, "alice")
	receiver, _ := edge.connect(t, "bob")

	sender.reads <- mustEncode(t, protocol.TypeClientMessages, protocol.ClientMessages{
		RoomID:  "0001",
		Content: "hello room",
	})

	// Sender and local peer both receive the serverMessages envelope.
	for _, conn := range []*fakeConn{sender, receiver} {
		env := conn.nextEnvelope(t)
		require.Equal(t, protocol.TypeServerMessages, env.Type)

		var sm protocol.ServerMessages
		require.NoError(t, json.Unmarshal(env.Payload, &sm))
		assert.Equal(t, "0001", sm.RoomID)
		require.Len(t, sm.Messages, 1)
		assert.Equal(t, "hello room", sm.Messages[0].Content)
		assert.Equal(t, "alice", sm.Messages[0].User.Username)
		assert.Regexp(t, `^\d+-0$`, sm.Messages[0].ID)
	}

	// The log record carries the origin edge so job skips it on fan-out.
	push := edge.producer.last(t)
	assert.Equal(t, protocol.PushTypeRoom, push.Type)
	assert.Equal(t, protocol.OpSendMsg, push.Operation)
	assert.Equal(t, "0001", push.Room)
	assert.Equal(t, "edge-1:50051", push.Origin)
	assert.Contains(t, push.Msg, "hello room")

	// Both store tiers were written.
	cached, err := edge.redis.RevRangeStream(ctx, "0001", "", 10)
	require.NoError(t, err)
	assert.Len(t, cached, 1)
	queued, err := edge.redis.PeekPersistQueue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestClientMessageUnknownRoom(t *testing.T) {
	edge := newTestEdge(t)

	conn, _ := edge.connect(t, "alice")
	conn.reads <- mustEncode(t, protocol.TypeClientMessages, protocol.ClientMessages{
		RoomID:  "9999",
		Content: "into the void",
	})

	env := conn.nextEnvelope(t)
	require.Equal(t, protocol.TypeError, env.Type)

	var reply protocol.ErrorReply
	require.NoError(t, json.Unmarshal(env.Payload, &reply))
	assert.Equal(t, "BAD_REQUEST", reply.ID)
}

func TestRequestRoomHistoryPaging(t *testing.T) {
	edge := newTestEdge(t)
	ctx := context.Background()

	for i := 1; i <= 25; i++ {
		_, err := edge.hub.history.Store(ctx, protocol.MessageView{
			ID:        fmt.Sprintf("%d-0", 1000+i*10),
			Content:   fmt.Sprintf("msg %d", i),
			Timestamp: int64(1000 + i*10),
			RoomID:    "0002",
			User:      protocol.UserInfo{ID: "9"},
		})
		require.NoError(t, err)
	}

	conn, _ := edge.connect(t, "alice")
	conn.reads <- mustEncode(t, protocol.TypeRequestRoomHistory, protocol.RequestRoomHistory{RoomID: "0002"})

	env := conn.nextEnvelope(t)
	require.Equal(t, protocol.TypeRoomHistory, env.Type)

	var page protocol.RoomHistory
	require.NoError(t, json.Unmarshal(env.Payload, &page))
	assert.Equal(t, "0002", page.RoomID)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, history.DefaultPageSize)
	assert.Equal(t, "msg 25", page.Messages[0].Content)

	// Page two starts past the cursor.
	cursor := page.Messages[len(page.Messages)-1].ID
	conn.reads <- mustEncode(t, protocol.TypeRequestRoomHistory, protocol.RequestRoomHistory{
		RoomID:        "0002",
		LastMessageID: cursor,
	})

	env = conn.nextEnvelope(t)
	require.NoError(t, json.Unmarshal(env.Payload, &page))
	assert.False(t, page.HasMore)
	require.Len(t, page.Messages, 5)
	assert.Equal(t, "msg 5", page.Messages[0].Content)
}

func TestMalformedEnvelopeCloses1002(t *testing.T) {
	edge := newTestEdge(t)

	conn, _ := edge.connect(t, "alice")
	conn.reads <- []byte("{not json")

	fr := conn.nextFrame(t)
	require.Equal(t, websocket.CloseMessage, fr.messageType)
	require.GreaterOrEqual(t, len(fr.data), 2)
	code := binary.BigEndian.Uint16(fr.data[:2])
	assert.Equal(t, uint16(websocket.CloseProtocolError), code)
}

func TestBinaryFrameCloses1003(t *testing.T) {
	edge := newTestEdge(t)

	conn, _ := edge.connect(t, "alice")
	conn.binReads <- []byte{0x01, 0x02}

	fr := conn.nextFrame(t)
	require.Equal(t, websocket.CloseMessage, fr.messageType)
	require.GreaterOrEqual(t, len(fr.data), 2)
	code := binary.BigEndian.Uint16(fr.data[:2])
	assert.Equal(t, uint16(websocket.CloseUnsupportedData), code)
}

func TestSendRacesDisconnect(t *testing.T) {
	conn := newFakeConn()
	c := newClient(nil, conn, "conn-race", protocol.UserInfo{})
	go c.writePump()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				c.Send([]byte("payload"))
			}
		}()
	}
	c.Disconnect()
	wg.Wait()

	assert.False(t, c.Send([]byte("after close")))
	c.Disconnect() // second call is a no-op
}

func TestSecondConnectionEvictsFirst(t *testing.T) {
	edge := newTestEdge(t)
	ctx := context.Background()

	conn1, user := edge.connect(t, "alice")

	conn2 := newFakeConn()
	edge.hub.HandleConnection(ctx, conn2, user)
	t.Cleanup(conn2.endInput)

	// The older socket is torn down.
	require.Eventually(t, func() bool {
		select {
		case <-conn1.closed:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	// Routing converges on the surviving connection.
	require.Eventually(t, func() bool {
		conns, err := edge.redis.RoomConnections(ctx, "0001")
		return err == nil && len(conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conns, err := edge.redis.RoomConnections(ctx, "0001")
	require.NoError(t, err)
	connID, err := edge.redis.UserConnection(ctx, userIDString(user.ID))
	require.NoError(t, err)
	assert.Equal(t, conns[0], connID)

	// The survivor still routes envelopes.
	conn2.reads <- mustEncode(t, protocol.TypeHello, struct{}{})
	env := conn2.nextEnvelope(t)
	assert.Equal(t, protocol.TypeHello, env.Type)
}

func TestUnknownEnvelopeIgnored(t *testing.T) {
	edge := newTestEdge(t)

	conn, _ := edge.connect(t, "alice")
	conn.reads <- mustEncode(t, "presence", struct{}{})

	// The connection stays healthy: a later hello still gets answered.
	conn.reads <- mustEncode(t, protocol.TypeHello, struct{}{})
	env := conn.nextEnvelope(t)
	assert.Equal(t, protocol.TypeHello, env.Type)
}

func TestDisconnectCleansRouting(t *testing.T) {
	edge := newTestEdge(t)
	ctx := context.Background()

	conn, user := edge.connect(t, "alice")

	conns, err := edge.redis.RoomConnections(ctx, "0001")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	connID := conns[0]

	info, err := edge.redis.GetConnectionInfo(ctx, connID)
	require.NoError(t, err)
	assert.Equal(t, "edge-1:50051", info.CometAddr)
	assert.Equal(t, userIDString(user.ID), info.UserID)

	conn.endInput()

	require.Eventually(t, func() bool {
		conns, err := edge.redis.RoomConnections(ctx, "0001")
		return err == nil && len(conns) == 0
	}, 2*time.Second, 10*time.Millisecond)

	info, err = edge.redis.GetConnectionInfo(ctx, connID)
	require.NoError(t, err)
	assert.Empty(t, info.CometAddr)
}

func TestDynamicRoomTopics(t *testing.T) {
	edge := newTestEdge(t)
	ctx := context.Background()

	conn, _ := edge.connect(t, "alice")

	// Opening a room subscribes live connections, locally and in routing.
	require.NoError(t, edge.hub.AddRoomTopic(ctx, protocol.Room{ID: "0003", Name: "Announcements"}))

	conns, err := edge.redis.RoomConnections(ctx, "0003")
	require.NoError(t, err)
	assert.Len(t, conns, 1)

	body := mustEncode(t, protocol.TypeServerMessages, protocol.ServerMessages{
		RoomID:   "0003",
		Messages: []protocol.MessageView{{ID: "200-0", Content: "welcome"}},
	})
	assert.Equal(t, 1, edge.hub.BroadcastLocal("0003", body, ""))
	env := conn.nextEnvelope(t)
	assert.Equal(t, protocol.TypeServerMessages, env.Type)

	// Closing it drops local delivery and clears the routing set.
	require.NoError(t, edge.hub.DeleteRoomTopic(ctx, "0003"))
	assert.Zero(t, edge.hub.BroadcastLocal("0003", body, ""))

	conns, err = edge.redis.RoomConnections(ctx, "0003")
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestBroadcastRoomRPC(t *testing.T) {
	edge := newTestEdge(t)

	conn, _ := edge.connect(t, "alice")

	body := mustEncode(t, protocol.TypeServerMessages, protocol.ServerMessages{
		RoomID:   "0001",
		Messages: []protocol.MessageView{{ID: "100-0", Content: "from another edge"}},
	})

	srv := NewBroadcastServer(edge.hub)
	reply, err := srv.BroadcastRoom(context.Background(), &protocol.BroadcastRoomReq{
		RoomID: "0001",
		Proto: protocol.Proto{
			Ver:  protocol.ProtoVersion,
			Op:   protocol.OpSendMsg,
			Seq:  0,
			Body: string(body),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), reply.Delivered)

	env := conn.nextEnvelope(t)
	assert.Equal(t, protocol.TypeServerMessages, env.Type)
}

func TestBroadcastRoomUnknownOp(t *testing.T) {
	edge := newTestEdge(t)
	edge.connect(t, "alice")

	srv := NewBroadcastServer(edge.hub)
	reply, err := srv.BroadcastRoom(context.Background(), &protocol.BroadcastRoomReq{
		RoomID: "0001",
		Proto:  protocol.Proto{Ver: protocol.ProtoVersion, Op: 99, Body: "{}"},
	})
	require.NoError(t, err)
	assert.Zero(t, reply.Delivered)
}

func mustEncode(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	data, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	return data
}
