// Package comet is the WebSocket edge: it authenticates connections, keeps
// the local room subscriber registry, routes client envelopes, and answers
// BroadcastRoom RPCs from the job tier.
package comet

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/auth"
	"github.com/duang3457/instant-messaging-project/internal/v1/history"
	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
)

// Producer publishes accepted messages onto the partitioned log for
// cluster-wide fan-out.
type Producer interface {
	Publish(ctx context.Context, msg *protocol.PushMsg) error
}

// Hub coordinates every connection on this edge.
type Hub struct {
	addr     string // advertised gRPC address, used as fan-out origin
	auth     *auth.Service
	history  *history.Service
	redis    *store.Redis
	db       *store.DB
	producer Producer
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Client

	// Room topics are seeded from the static roster but can be opened and
	// closed at runtime.
	roomsMu sync.RWMutex
	rooms   map[string]*roomTopic
	roomIDs []string
}

// NewHub wires the edge with its static room set.
func NewHub(addr string, authSvc *auth.Service, historySvc *history.Service, redis *store.Redis, db *store.DB, producer Producer, allowedOrigins []string) *Hub {
	h := &Hub{
		addr:     addr,
		auth:     authSvc,
		history:  historySvc,
		redis:    redis,
		db:       db,
		producer: producer,
		conns:    make(map[string]*Client),
		rooms:    make(map[string]*roomTopic),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
	for _, info := range protocol.DefaultRooms {
		h.rooms[info.ID] = newRoomTopic(info)
		h.roomIDs = append(h.roomIDs, info.ID)
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeWs upgrades the request and binds the connection to its session. The
// token travels in the uid query parameter; a bad token gets a 1008 close
// frame after the upgrade so browser clients can read the reason.
func (h *Hub) ServeWs(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	token := c.Query("uid")
	user, err := h.auth.ResolveToken(c.Request.Context(), token)
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "token validation failed"))
		_ = conn.Close()
		return
	}

	h.HandleConnection(c.Request.Context(), conn, user)
}

// HandleConnection registers an authenticated socket and starts its pumps.
// A user holds one live connection per edge: a newer handshake evicts the
// older socket before the new one is registered.
func (h *Hub) HandleConnection(ctx context.Context, conn wsConnection, user *store.User) {
	connID := uuid.NewString()
	client := newClient(h, conn, connID, protocol.UserInfo{
		ID:       userIDString(user.ID),
		Username: user.Username,
		Avatar:   user.Avatar,
	})

	h.evictPrevious(ctx, client.User.ID)
	h.register(ctx, client)
	metrics.IncConnection()

	logging.Info(ctx, "connection established",
		zap.String("conn_id", connID),
		zap.String("user_id", client.User.ID))

	go client.writePump()
	go client.readPump()
}

// evictPrevious disconnects the user's existing connection when it lives on
// this edge. A connection on another edge keeps running; that edge owns its
// lifecycle, and the routing entry is overwritten at registration anyway.
func (h *Hub) evictPrevious(ctx context.Context, userID string) {
	old, err := h.redis.UserConnection(ctx, userID)
	if err != nil {
		logging.Warn(ctx, "previous connection lookup failed",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	if old == "" {
		return
	}

	h.mu.Lock()
	prev := h.conns[old]
	h.mu.Unlock()
	if prev != nil {
		logging.Info(ctx, "evicting previous connection",
			zap.String("user_id", userID), zap.String("conn_id", old))
		prev.Disconnect()
	}
}

// topic returns the live topic for a room id.
func (h *Hub) topic(roomID string) (*roomTopic, bool) {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	t, ok := h.rooms[roomID]
	return t, ok
}

// topicSnapshot returns the current topics in roster order plus their ids.
func (h *Hub) topicSnapshot() ([]*roomTopic, []string) {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	topics := make([]*roomTopic, 0, len(h.roomIDs))
	for _, id := range h.roomIDs {
		topics = append(topics, h.rooms[id])
	}
	return topics, append([]string(nil), h.roomIDs...)
}

// register adds the client to the local topics and publishes its routing
// entry so the job tier can find this edge.
func (h *Hub) register(ctx context.Context, client *Client) {
	h.mu.Lock()
	h.conns[client.ConnID] = client
	h.mu.Unlock()

	topics, roomIDs := h.topicSnapshot()
	for _, topic := range topics {
		topic.add(client)
	}

	info := store.ConnectionInfo{
		ConnID:    client.ConnID,
		CometAddr: h.addr,
		UserID:    client.User.ID,
		RoomID:    strings.Join(roomIDs, ","),
	}
	if err := h.redis.RegisterConnection(ctx, info, roomIDs); err != nil {
		logging.Error(ctx, "routing registration failed",
			zap.String("conn_id", client.ConnID), zap.Error(err))
	}
}

// unregister removes local and cluster routing state. Runs exactly once per
// connection, from the read pump's teardown.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	delete(h.conns, client.ConnID)
	h.mu.Unlock()

	topics, roomIDs := h.topicSnapshot()
	for _, topic := range topics {
		topic.remove(client.ConnID)
	}

	ctx := context.Background()
	if err := h.redis.UnregisterConnection(ctx, client.ConnID, client.User.ID, roomIDs); err != nil {
		logging.Error(ctx, "routing cleanup failed",
			zap.String("conn_id", client.ConnID), zap.Error(err))
	}

	logging.Info(ctx, "connection closed", zap.String("conn_id", client.ConnID))
}

// AddRoomTopic opens a room at runtime. Every live connection joins it,
// locally and in the routing store, matching the all-rooms membership model.
func (h *Hub) AddRoomTopic(ctx context.Context, info protocol.Room) error {
	h.roomsMu.Lock()
	if _, ok := h.rooms[info.ID]; ok {
		h.roomsMu.Unlock()
		return nil
	}
	topic := newRoomTopic(info)
	h.rooms[info.ID] = topic
	h.roomIDs = append(h.roomIDs, info.ID)
	h.roomsMu.Unlock()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.conns))
	connIDs := make([]string, 0, len(h.conns))
	for id, c := range h.conns {
		clients = append(clients, c)
		connIDs = append(connIDs, id)
	}
	h.mu.Unlock()

	for _, c := range clients {
		topic.add(c)
	}
	return h.redis.AddRoomMembers(ctx, info.ID, connIDs)
}

// DeleteRoomTopic closes a room: local subscribers are dropped and the
// routing set cleared so job stops fanning out to it.
func (h *Hub) DeleteRoomTopic(ctx context.Context, roomID string) error {
	h.roomsMu.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.roomsMu.Unlock()
		return nil
	}
	delete(h.rooms, roomID)
	for i, id := range h.roomIDs {
		if id == roomID {
			h.roomIDs = append(h.roomIDs[:i], h.roomIDs[i+1:]...)
			break
		}
	}
	h.roomsMu.Unlock()

	metrics.RoomSubscribers.WithLabelValues(roomID).Set(0)
	return h.redis.DeleteRoomConnections(ctx, roomID)
}

// BroadcastLocal delivers data to this edge's subscribers of roomID.
func (h *Hub) BroadcastLocal(roomID string, data []byte, skipConnID string) int {
	topic, ok := h.topic(roomID)
	if !ok {
		return 0
	}
	return topic.publish(data, skipConnID)
}

// Addr is the advertised gRPC address other tiers reach this edge at.
func (h *Hub) Addr() string {
	return h.addr
}

// Shutdown disconnects every client so write pumps flush and close frames
// go out before the process exits.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}

	logging.Info(ctx, "edge shut down", zap.Int("connections_closed", len(clients)))
	return nil
}
