// Package history owns the tiered message store: a per-room Redis Stream
// cache for hot reads, a persist queue feeding the relational store, and a
// reader that merges both tiers behind a single pagination cursor.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
)

// DefaultPageSize is how many messages one history page carries.
const DefaultPageSize = 20

// Service reads and writes the tiered message store.
type Service struct {
	redis    *store.Redis
	db       *store.DB
	pageSize int
}

// NewService wires the history service with the default page size.
func NewService(redis *store.Redis, db *store.DB) *Service {
	return &Service{redis: redis, db: db, pageSize: DefaultPageSize}
}

// Store writes one message to both tiers: the room's cache stream for hot
// reads and the persist queue for the batch persister. The cache stream is
// the id authority: when the proposed id already exists (two messages in the
// same millisecond) the stream assigns the next free one, and the returned
// message carries it so every tier and every consumer agree on identity.
// The queue write runs even if the cache write fails so durability never
// depends on the cache.
func (s *Service) Store(ctx context.Context, msg protocol.MessageView) (protocol.MessageView, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return msg, fmt.Errorf("history: marshal message %s: %w", msg.ID, err)
	}

	id, err := s.redis.AppendStream(ctx, msg.RoomID, msg.ID, string(payload))
	if err != nil {
		logging.Warn(ctx, "cache append failed, message is queue-only",
			zap.String("room_id", msg.RoomID),
			zap.String("msg_id", msg.ID),
			zap.Error(err))
	} else if id != msg.ID {
		msg.ID = id
		payload, err = json.Marshal(msg)
		if err != nil {
			return msg, fmt.Errorf("history: marshal message %s: %w", msg.ID, err)
		}
	}

	if err := s.redis.EnqueuePersist(ctx, string(payload)); err != nil {
		return msg, fmt.Errorf("history: enqueue persist %s: %w", msg.ID, err)
	}

	metrics.MessagesStored.Inc()
	return msg, nil
}

// RoomHistory returns one page of a room's messages, newest first. An empty
// cursor starts at the head; otherwise only messages strictly older than the
// cursor id are returned. Pages missing from the cache are filled from the
// durable store, deduplicated by message id keeping the cache copy.
func (s *Service) RoomHistory(ctx context.Context, roomID, cursor string) ([]protocol.MessageView, bool, error) {
	want := s.pageSize + 1 // one extra to learn whether more pages exist

	cached, err := s.redis.RevRangeStream(ctx, roomID, cursor, int64(want))
	if err != nil {
		logging.Warn(ctx, "cache read failed, serving history from durable store",
			zap.String("room_id", roomID), zap.Error(err))
		cached = nil
	}

	views := make([]protocol.MessageView, 0, want)
	seen := set.New[string]()
	if cursor != "" {
		// The cursor row itself must never reappear, whichever tier serves it.
		seen.Insert(cursor)
	}
	for _, entry := range cached {
		var view protocol.MessageView
		if err := json.Unmarshal([]byte(entry.Payload), &view); err != nil {
			continue
		}
		// The stream id is the message's identity.
		view.ID = entry.ID
		if seen.Has(view.ID) {
			continue
		}
		seen.Insert(view.ID)
		views = append(views, view)
	}

	if len(views) < want {
		views, err = s.fillFromDurable(ctx, roomID, cursor, views, seen, want)
		if err != nil {
			return nil, false, err
		}
	}

	hasMore := len(views) > s.pageSize
	if hasMore {
		views = views[:s.pageSize]
	}
	return views, hasMore, nil
}

// fillFromDurable tops up a short cache page from the relational store. The
// upper bound is the oldest message already collected, or the cursor when
// the cache held nothing.
func (s *Service) fillFromDurable(ctx context.Context, roomID, cursor string, views []protocol.MessageView, seen set.Set[string], want int) ([]protocol.MessageView, error) {
	var (
		records []store.MessageRecord
		err     error
	)

	bound := int64(0)
	if len(views) > 0 {
		// Timestamps have second granularity, so durable rows can share the
		// oldest collected second. The +1 keeps them reachable; the seen set
		// drops the ones already served from the cache.
		bound = views[len(views)-1].Timestamp + 1
	} else if ms := messageIDMillis(cursor); ms > 0 {
		// Id prefixes are milliseconds, durable rows store seconds. The +1
		// keeps same-second rows reachable; the seen set filters the cursor
		// row itself.
		bound = ms/1000 + 1
	}

	missing := want - len(views)
	if bound > 0 {
		records, err = s.db.MessagesBefore(ctx, roomID, bound, missing)
	} else {
		records, err = s.db.RecentMessages(ctx, roomID, missing)
	}
	if err != nil {
		return nil, fmt.Errorf("history: durable read %s: %w", roomID, err)
	}

	for _, rec := range records {
		id := rec.RedisID
		if seen.Has(id) {
			continue
		}
		seen.Insert(id)
		user := protocol.UserInfo{ID: rec.UserID}
		if u, err := s.db.GetUserByID(ctx, parseUserID(rec.UserID)); err == nil {
			user.Username = u.Username
			user.Avatar = u.Avatar
		}
		views = append(views, protocol.MessageView{
			ID:        id,
			Content:   rec.Content,
			Timestamp: rec.Timestamp,
			RoomID:    rec.RoomID,
			User:      user,
		})
	}
	return views, nil
}

// messageIDMillis extracts the millisecond prefix of a "<ms>-<seq>" id.
// Unparseable ids yield 0, which callers treat as "no bound".
func messageIDMillis(id string) int64 {
	prefix, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

func parseUserID(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}
