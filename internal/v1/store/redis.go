// Package store owns the two storage tiers: the Redis routing store
// (sessions, connection routing, dedup/cooldown/lock, message cache,
// persist queue) and the relational durable store behind gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
)

// Routing-store key schema.
const (
	roomConnectionsKeyFmt = "room:connections:%s"
	connectionInfoKeyFmt  = "connection:info:%s"
	userOnlineKeyFmt      = "user:online:%s"
	dedupKeyFmt           = "msg:processed:%s:%s"
	cooldownKeyFmt        = "room:cooldown:%s"
	broadcastLockKeyFmt   = "lock:broadcast:%s"

	persistQueueKey = "msg_persist_queue"
)

// ErrSessionNotFound is returned when a token is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

// releaseScript is compare-and-delete: the key is removed only while its
// value still matches, so a stale release (an expired lock, an evicted
// connection's user:online entry) is a no-op.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
else
    return 0
end`)

// ConnectionInfo mirrors the connection:info:{connId} hash.
type ConnectionInfo struct {
	ConnID    string
	CometAddr string
	UserID    string
	RoomID    string
}

// StreamMessage is one raw entry read back from a room's cache stream.
type StreamMessage struct {
	ID      string
	Payload string
}

// Redis wraps the routing-store client with a circuit breaker.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Redis) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewRedis connects to the routing store and verifies the connection.
func NewRedis(addr, password string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	return &Redis{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func (s *Redis) execute(fn func() (any, error)) (any, error) {
	res, err := s.cb.Execute(fn)
	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return res, err
}

// Ping checks connectivity; used by readiness probes.
func (s *Redis) Ping(ctx context.Context) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the connection pool.
func (s *Redis) Close() error {
	return s.client.Close()
}

// --- sessions ---

// PutSession binds token -> email for ttl.
func (s *Redis) PutSession(ctx context.Context, token, email string, ttl time.Duration) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Set(ctx, token, email, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession resolves a token back to the email it was issued for.
func (s *Redis) GetSession(ctx context.Context, token string) (string, error) {
	res, err := s.execute(func() (any, error) {
		email, err := s.client.Get(ctx, token).Result()
		if errors.Is(err, redis.Nil) {
			return "", ErrSessionNotFound
		}
		return email, err
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("get session: %w", err)
	}
	return res.(string), nil
}

// --- connection routing ---

// RegisterConnection records where a connection lives so job can route to it.
func (s *Redis) RegisterConnection(ctx context.Context, info ConnectionInfo, roomIDs []string) error {
	_, err := s.execute(func() (any, error) {
		pipe := s.client.TxPipeline()
		key := fmt.Sprintf(connectionInfoKeyFmt, info.ConnID)
		pipe.HSet(ctx, key, "comet_id", info.CometAddr, "user_id", info.UserID, "room_id", info.RoomID)
		pipe.Set(ctx, fmt.Sprintf(userOnlineKeyFmt, info.UserID), info.ConnID, 0)
		for _, room := range roomIDs {
			pipe.SAdd(ctx, fmt.Sprintf(roomConnectionsKeyFmt, room), info.ConnID)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("register connection %s: %w", info.ConnID, err)
	}
	return nil
}

// UnregisterConnection removes all routing state for a closed connection.
// user:online is cleared with compare-and-delete: when a newer connection for
// the same user has already overwritten it, the old teardown must not erase
// the new mapping.
func (s *Redis) UnregisterConnection(ctx context.Context, connID, userID string, roomIDs []string) error {
	_, err := s.execute(func() (any, error) {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, fmt.Sprintf(connectionInfoKeyFmt, connID))
		for _, room := range roomIDs {
			pipe.SRem(ctx, fmt.Sprintf(roomConnectionsKeyFmt, room), connID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return nil, releaseScript.Run(ctx, s.client,
			[]string{fmt.Sprintf(userOnlineKeyFmt, userID)}, connID).Err()
	})
	if err != nil {
		return fmt.Errorf("unregister connection %s: %w", connID, err)
	}
	return nil
}

// AddRoomMembers subscribes existing connections to a room's routing set.
// Used when a room topic is opened at runtime.
func (s *Redis) AddRoomMembers(ctx context.Context, roomID string, connIDs []string) error {
	if len(connIDs) == 0 {
		return nil
	}
	members := make([]any, len(connIDs))
	for i, id := range connIDs {
		members[i] = id
	}
	_, err := s.execute(func() (any, error) {
		return nil, s.client.SAdd(ctx, fmt.Sprintf(roomConnectionsKeyFmt, roomID), members...).Err()
	})
	if err != nil {
		return fmt.Errorf("add room members %s: %w", roomID, err)
	}
	return nil
}

// DeleteRoomConnections drops a room's routing set when the topic closes.
func (s *Redis) DeleteRoomConnections(ctx context.Context, roomID string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Del(ctx, fmt.Sprintf(roomConnectionsKeyFmt, roomID)).Err()
	})
	if err != nil {
		return fmt.Errorf("delete room connections %s: %w", roomID, err)
	}
	return nil
}

// RoomConnections lists the connection ids subscribed to a room, cluster-wide.
func (s *Redis) RoomConnections(ctx context.Context, roomID string) ([]string, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.SMembers(ctx, fmt.Sprintf(roomConnectionsKeyFmt, roomID)).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("room connections %s: %w", roomID, err)
	}
	return res.([]string), nil
}

// GetConnectionInfo reads one connection:info hash. Missing hashes yield a
// zero CometAddr, which callers treat as "connection gone".
func (s *Redis) GetConnectionInfo(ctx context.Context, connID string) (ConnectionInfo, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.HGetAll(ctx, fmt.Sprintf(connectionInfoKeyFmt, connID)).Result()
	})
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("connection info %s: %w", connID, err)
	}
	fields := res.(map[string]string)
	return ConnectionInfo{
		ConnID:    connID,
		CometAddr: fields["comet_id"],
		UserID:    fields["user_id"],
		RoomID:    fields["room_id"],
	}, nil
}

// GroupConnectionsByComet resolves each connection's owning edge and groups
// the ids by edge address. Connections whose info hash has expired are
// silently skipped.
func (s *Redis) GroupConnectionsByComet(ctx context.Context, connIDs []string) (map[string][]string, error) {
	groups := make(map[string][]string)
	for _, connID := range connIDs {
		info, err := s.GetConnectionInfo(ctx, connID)
		if err != nil {
			return nil, err
		}
		if info.CometAddr == "" {
			continue
		}
		groups[info.CometAddr] = append(groups[info.CometAddr], connID)
	}
	return groups, nil
}

// UserConnection returns the live connection id for a user, if any.
func (s *Redis) UserConnection(ctx context.Context, userID string) (string, error) {
	res, err := s.execute(func() (any, error) {
		connID, err := s.client.Get(ctx, fmt.Sprintf(userOnlineKeyFmt, userID)).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return connID, err
	})
	if err != nil {
		return "", fmt.Errorf("user connection %s: %w", userID, err)
	}
	return res.(string), nil
}

// --- dedup / cooldown / lock ---

// MarkProcessed claims a (room, msgId) pair for the dedup window. The first
// caller gets true; every later caller within ttl gets false.
func (s *Redis) MarkProcessed(ctx context.Context, roomID, msgID string, ttl time.Duration) (bool, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.SetNX(ctx, fmt.Sprintf(dedupKeyFmt, roomID, msgID), "1", ttl).Result()
	})
	if err != nil {
		return false, fmt.Errorf("mark processed %s/%s: %w", roomID, msgID, err)
	}
	return res.(bool), nil
}

// EnterCooldown starts a room's broadcast cooldown. Returns false when the
// room is already cooling down.
func (s *Redis) EnterCooldown(ctx context.Context, roomID string, ttl time.Duration) (bool, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.SetNX(ctx, fmt.Sprintf(cooldownKeyFmt, roomID), "1", ttl).Result()
	})
	if err != nil {
		return false, fmt.Errorf("enter cooldown %s: %w", roomID, err)
	}
	return res.(bool), nil
}

// AcquireBroadcastLock takes the per-room dispatch lock with a unique holder
// value.
func (s *Redis) AcquireBroadcastLock(ctx context.Context, roomID, holder string, ttl time.Duration) (bool, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.SetNX(ctx, fmt.Sprintf(broadcastLockKeyFmt, roomID), holder, ttl).Result()
	})
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", roomID, err)
	}
	return res.(bool), nil
}

// ReleaseBroadcastLock releases the lock via compare-and-delete. Returns
// false when the lock expired or is held by someone else.
func (s *Redis) ReleaseBroadcastLock(ctx context.Context, roomID, holder string) (bool, error) {
	res, err := s.execute(func() (any, error) {
		return releaseScript.Run(ctx, s.client, []string{fmt.Sprintf(broadcastLockKeyFmt, roomID)}, holder).Int64()
	})
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", roomID, err)
	}
	return res.(int64) == 1, nil
}

// --- message cache stream ---

// AppendStream appends a serialised message to the room's cache stream under
// the message's own id, so clients can page with the ids they already hold.
// If the explicit id is not newer than the stream tail the entry is retried
// with a server-assigned id rather than dropped.
func (s *Redis) AppendStream(ctx context.Context, roomID, id, payload string) (string, error) {
	if id == "" {
		id = "*"
	}
	res, err := s.execute(func() (any, error) {
		values := map[string]any{"payload": payload, "room_id": roomID}
		streamID, err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: roomID,
			ID:     id,
			Values: values,
		}).Result()
		if err != nil && id != "*" {
			return s.client.XAdd(ctx, &redis.XAddArgs{
				Stream: roomID,
				ID:     "*",
				Values: values,
			}).Result()
		}
		return streamID, err
	})
	if err != nil {
		return "", fmt.Errorf("append stream %s: %w", roomID, err)
	}
	return res.(string), nil
}

// RevRangeStream reads up to count entries newest-first. A non-empty cursor
// makes the upper bound exclusive, for pagination.
func (s *Redis) RevRangeStream(ctx context.Context, roomID, cursor string, count int64) ([]StreamMessage, error) {
	start := "+"
	if cursor != "" {
		start = "(" + cursor
	}
	res, err := s.execute(func() (any, error) {
		return s.client.XRevRangeN(ctx, roomID, start, "-", count).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("revrange stream %s: %w", roomID, err)
	}

	entries := res.([]redis.XMessage)
	msgs := make([]StreamMessage, 0, len(entries))
	for _, entry := range entries {
		payload, _ := entry.Values["payload"].(string)
		msgs = append(msgs, StreamMessage{ID: entry.ID, Payload: payload})
	}
	return msgs, nil
}

// --- persist queue ---

// EnqueuePersist appends a pending durable write to the tail of the queue,
// keeping the head the oldest record so the persister drains in insertion
// order.
func (s *Redis) EnqueuePersist(ctx context.Context, payload string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.RPush(ctx, persistQueueKey, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("enqueue persist: %w", err)
	}
	return nil
}

// PeekPersistQueue reads up to n records from the head without consuming.
func (s *Redis) PeekPersistQueue(ctx context.Context, n int64) ([]string, error) {
	res, err := s.execute(func() (any, error) {
		return s.client.LRange(ctx, persistQueueKey, 0, n-1).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("peek persist queue: %w", err)
	}
	return res.([]string), nil
}

// TrimPersistQueue drops the n oldest records after a successful commit.
// Records pushed concurrently land at the tail and survive the trim.
func (s *Redis) TrimPersistQueue(ctx context.Context, n int64) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.LTrim(ctx, persistQueueKey, n, -1).Err()
	})
	if err != nil {
		return fmt.Errorf("trim persist queue: %w", err)
	}
	return nil
}
