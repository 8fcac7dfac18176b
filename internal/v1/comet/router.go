package comet

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
)

// route dispatches one decoded envelope. Unknown types are counted and
// ignored so protocol additions never kill older edges.
func (h *Hub) route(ctx context.Context, client *Client, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHello:
		h.handleHello(ctx, client)
	case protocol.TypeClientMessages:
		h.handleClientMessages(ctx, client, env.Payload)
	case protocol.TypeRequestRoomHistory:
		h.handleRequestRoomHistory(ctx, client, env.Payload)
	default:
		metrics.EnvelopesTotal.WithLabelValues(env.Type, "ignored").Inc()
		logging.Debug(ctx, "ignoring unknown envelope type",
			zap.String("type", env.Type),
			zap.String("conn_id", client.ConnID))
	}
}

// handleHello answers with the caller's identity and a snapshot of every
// room: who is online cluster-wide and the most recent page of messages,
// oldest first so clients can render top-down.
func (h *Hub) handleHello(ctx context.Context, client *Client) {
	reply := protocol.HelloReply{User: client.User}

	topics, _ := h.topicSnapshot()
	for _, topic := range topics {
		roomID := topic.info.ID
		snapshot := protocol.RoomSnapshot{
			ID:    topic.info.ID,
			Name:  topic.info.Name,
			Users: h.onlineUsers(ctx, roomID),
		}

		views, _, err := h.history.RoomHistory(ctx, roomID, "")
		if err != nil {
			logging.Warn(ctx, "hello snapshot history failed",
				zap.String("room_id", roomID), zap.Error(err))
		}
		snapshot.Messages = reverseViews(views)
		reply.Rooms = append(reply.Rooms, snapshot)
	}

	h.reply(client, protocol.TypeHello, reply)
	metrics.EnvelopesTotal.WithLabelValues(protocol.TypeHello, "ok").Inc()
}

// onlineUsers resolves the cluster-wide member list of a room through the
// routing store. Connections whose info expired are skipped.
func (h *Hub) onlineUsers(ctx context.Context, roomID string) []protocol.UserInfo {
	connIDs, err := h.redis.RoomConnections(ctx, roomID)
	if err != nil {
		logging.Warn(ctx, "room membership lookup failed",
			zap.String("room_id", roomID), zap.Error(err))
		return nil
	}

	users := make([]protocol.UserInfo, 0, len(connIDs))
	seen := set.New[string]()
	for _, connID := range connIDs {
		info, err := h.redis.GetConnectionInfo(ctx, connID)
		if err != nil || info.UserID == "" || seen.Has(info.UserID) {
			continue
		}
		seen.Insert(info.UserID)

		user := protocol.UserInfo{ID: info.UserID}
		if id, err := strconv.ParseInt(info.UserID, 10, 64); err == nil {
			if u, err := h.db.GetUserByID(ctx, id); err == nil {
				user.Username = u.Username
				user.Avatar = u.Avatar
			}
		}
		users = append(users, user)
	}
	return users
}

// handleClientMessages accepts one message: assign the id and server
// timestamp, write both store tiers, deliver to local subscribers, then
// publish to the log for the rest of the cluster.
func (h *Hub) handleClientMessages(ctx context.Context, client *Client, payload json.RawMessage) {
	var req protocol.ClientMessages
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" || req.Content == "" {
		metrics.EnvelopesTotal.WithLabelValues(protocol.TypeClientMessages, "rejected").Inc()
		h.reply(client, protocol.TypeError, protocol.ErrorReply{ID: "BAD_REQUEST", Message: "roomId and content are required"})
		return
	}
	if _, ok := h.topic(req.RoomID); !ok {
		metrics.EnvelopesTotal.WithLabelValues(protocol.TypeClientMessages, "rejected").Inc()
		h.reply(client, protocol.TypeError, protocol.ErrorReply{ID: "BAD_REQUEST", Message: "unknown room"})
		return
	}

	// The client timestamp is only a hint; the server clock is authoritative.
	// The id carries millisecond precision for the cache stream, the public
	// timestamp is seconds.
	now := time.Now()
	msg := protocol.MessageView{
		ID:        fmt.Sprintf("%d-0", now.UnixMilli()),
		Content:   req.Content,
		Timestamp: now.Unix(),
		RoomID:    req.RoomID,
		User:      client.User,
	}

	// Store hands back the authoritative id: on a same-millisecond collision
	// the cache stream assigns the next free one.
	msg, err := h.history.Store(ctx, msg)
	if err != nil {
		metrics.EnvelopesTotal.WithLabelValues(protocol.TypeClientMessages, "error").Inc()
		logging.Error(ctx, "message store failed",
			zap.String("room_id", req.RoomID), zap.Error(err))
		h.reply(client, protocol.TypeError, protocol.ErrorReply{ID: "INTERNAL", Message: "message not stored"})
		return
	}

	body, err := protocol.Encode(protocol.TypeServerMessages, protocol.ServerMessages{
		RoomID:   req.RoomID,
		Messages: []protocol.MessageView{msg},
	})
	if err != nil {
		logging.Error(ctx, "encode server messages failed", zap.Error(err))
		return
	}

	// Local subscribers, sender included, get the message immediately.
	h.BroadcastLocal(req.RoomID, body, "")

	// Everyone else gets it through job. Origin tells job this edge is
	// already served.
	push := &protocol.PushMsg{
		Type:      protocol.PushTypeRoom,
		Operation: protocol.OpSendMsg,
		Room:      req.RoomID,
		Msg:       string(body),
		Origin:    h.addr,
	}
	if err := h.producer.Publish(ctx, push); err != nil {
		logging.Error(ctx, "log publish failed",
			zap.String("room_id", req.RoomID),
			zap.String("msg_id", msg.ID),
			zap.Error(err))
	}

	metrics.EnvelopesTotal.WithLabelValues(protocol.TypeClientMessages, "ok").Inc()
}

// handleRequestRoomHistory serves one older page, newest first, with the
// cursor excluded.
func (h *Hub) handleRequestRoomHistory(ctx context.Context, client *Client, payload json.RawMessage) {
	var req protocol.RequestRoomHistory
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		metrics.EnvelopesTotal.WithLabelValues(protocol.TypeRequestRoomHistory, "rejected").Inc()
		h.reply(client, protocol.TypeError, protocol.ErrorReply{ID: "BAD_REQUEST", Message: "room_id is required"})
		return
	}

	views, hasMore, err := h.history.RoomHistory(ctx, req.RoomID, req.LastMessageID)
	if err != nil {
		metrics.EnvelopesTotal.WithLabelValues(protocol.TypeRequestRoomHistory, "error").Inc()
		logging.Error(ctx, "history read failed",
			zap.String("room_id", req.RoomID), zap.Error(err))
		h.reply(client, protocol.TypeError, protocol.ErrorReply{ID: "INTERNAL", Message: "history unavailable"})
		return
	}

	h.reply(client, protocol.TypeRoomHistory, protocol.RoomHistory{
		RoomID:   req.RoomID,
		Messages: views,
		HasMore:  hasMore,
	})
	metrics.EnvelopesTotal.WithLabelValues(protocol.TypeRequestRoomHistory, "ok").Inc()
}

func (h *Hub) reply(client *Client, typ string, payload any) {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		logging.Error(context.Background(), "encode reply failed",
			zap.String("type", typ), zap.Error(err))
		return
	}
	client.Send(data)
}

func reverseViews(views []protocol.MessageView) []protocol.MessageView {
	out := make([]protocol.MessageView, len(views))
	for i, v := range views {
		out[len(views)-1-i] = v
	}
	return out
}

func userIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}
