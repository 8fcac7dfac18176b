// Package job is the fan-out tier: it consumes PushMsg records off the
// partitioned log and routes each one to the edges that hold subscribers of
// its room. Records are keyed by room id, so one partition, and therefore
// one worker, sees all of a room's traffic in order.
package job

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
	"github.com/duang3457/instant-messaging-project/internal/v1/queue"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
)

// ConsumerGroup is the log consumer group all job processes join.
const ConsumerGroup = "job-service-group"

// Pipeline windows.
const (
	DedupTTL    = 60 * time.Second
	CooldownTTL = 1 * time.Second
	LockTTL     = 5 * time.Second

	DefaultWorkers = 8
	workerQueueLen = 256
	broadcastWait  = 5 * time.Second
)

// Job runs the consume-and-fan-out pipeline.
type Job struct {
	redis       *store.Redis
	broadcaster Broadcaster
	workers     int
}

// New wires a job with the default worker count.
func New(redis *store.Redis, broadcaster Broadcaster) *Job {
	return &Job{redis: redis, broadcaster: broadcaster, workers: DefaultWorkers}
}

// Run consumes until ctx is cancelled. Records are sharded to workers by
// partition, which keeps per-room processing sequential.
func (j *Job) Run(ctx context.Context, consumer *queue.Consumer) error {
	chans := make([]chan queue.Record, j.workers)
	var wg sync.WaitGroup
	for i := range chans {
		chans[i] = make(chan queue.Record, workerQueueLen)
		wg.Add(1)
		go func(ch <-chan queue.Record) {
			defer wg.Done()
			for rec := range ch {
				j.process(ctx, rec.Value)
			}
		}(chans[i])
	}

	err := consumer.Run(ctx, func(_ context.Context, rec queue.Record) {
		chans[int(rec.Partition)%j.workers] <- rec
	})

	for _, ch := range chans {
		close(ch)
	}
	wg.Wait()
	return err
}

// process runs one record through the pipeline:
// decode, dedup, cooldown, lock, route, fan out.
func (j *Job) process(ctx context.Context, value []byte) {
	push, err := protocol.UnmarshalPushMsg(value)
	if err != nil {
		metrics.PipelineDropped.WithLabelValues("decode").Inc()
		logging.Warn(ctx, "undecodable log record", zap.Error(err))
		return
	}
	if push.Operation != protocol.OpSendMsg || push.Room == "" {
		metrics.PipelineDropped.WithLabelValues("unsupported").Inc()
		return
	}

	msgID := extractMessageID(push.Msg)
	if msgID == "" {
		metrics.PipelineDropped.WithLabelValues("no_msg_id").Inc()
		return
	}

	// Dedup fails closed: if the window is unreachable we cannot prove the
	// message wasn't already fanned out, so we drop rather than double-send.
	first, err := j.redis.MarkProcessed(ctx, push.Room, msgID, DedupTTL)
	if err != nil {
		metrics.PipelineDropped.WithLabelValues("dedup_unavailable").Inc()
		logging.Error(ctx, "dedup window unreachable",
			zap.String("room_id", push.Room), zap.String("msg_id", msgID), zap.Error(err))
		return
	}
	if !first {
		metrics.PipelineDropped.WithLabelValues("duplicate").Inc()
		return
	}

	// Cooldown fails open: losing the throttle is better than losing the
	// message.
	ok, err := j.redis.EnterCooldown(ctx, push.Room, CooldownTTL)
	if err != nil {
		logging.Warn(ctx, "cooldown unavailable, proceeding",
			zap.String("room_id", push.Room), zap.Error(err))
	} else if !ok {
		metrics.PipelineDropped.WithLabelValues("cooldown").Inc()
		logging.Debug(ctx, "room cooling down, fan-out suppressed",
			zap.String("room_id", push.Room), zap.String("msg_id", msgID))
		return
	}

	holder := uuid.NewString()
	locked, err := j.redis.AcquireBroadcastLock(ctx, push.Room, holder, LockTTL)
	if err != nil {
		logging.Warn(ctx, "broadcast lock unavailable, proceeding",
			zap.String("room_id", push.Room), zap.Error(err))
	} else if !locked {
		metrics.PipelineDropped.WithLabelValues("lock_held").Inc()
		return
	} else {
		defer func() {
			if _, err := j.redis.ReleaseBroadcastLock(ctx, push.Room, holder); err != nil {
				logging.Warn(ctx, "lock release failed",
					zap.String("room_id", push.Room), zap.Error(err))
			}
		}()
	}

	j.fanOut(ctx, push)
}

// fanOut resolves the room's edges and broadcasts to each one, skipping the
// origin edge that already delivered locally.
func (j *Job) fanOut(ctx context.Context, push *protocol.PushMsg) {
	connIDs, err := j.redis.RoomConnections(ctx, push.Room)
	if err != nil {
		metrics.PipelineDropped.WithLabelValues("route_unavailable").Inc()
		logging.Error(ctx, "room routing lookup failed",
			zap.String("room_id", push.Room), zap.Error(err))
		return
	}
	if len(connIDs) == 0 {
		return
	}

	groups, err := j.redis.GroupConnectionsByComet(ctx, connIDs)
	if err != nil {
		metrics.PipelineDropped.WithLabelValues("route_unavailable").Inc()
		logging.Error(ctx, "edge grouping failed",
			zap.String("room_id", push.Room), zap.Error(err))
		return
	}

	req := &protocol.BroadcastRoomReq{
		RoomID: push.Room,
		Proto: protocol.Proto{
			Ver:  protocol.ProtoVersion,
			Op:   push.Operation,
			Seq:  0,
			Body: push.Msg,
		},
	}

	for addr := range groups {
		if addr == push.Origin {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, broadcastWait)
		delivered, err := j.broadcaster.BroadcastRoom(callCtx, addr, req)
		cancel()
		if err != nil {
			metrics.BroadcastFanout.WithLabelValues("error").Inc()
			logging.Error(ctx, "edge broadcast failed",
				zap.String("room_id", push.Room),
				zap.String("edge", addr),
				zap.Error(err))
			continue
		}
		metrics.BroadcastFanout.WithLabelValues("ok").Inc()
		logging.Debug(ctx, "edge broadcast delivered",
			zap.String("room_id", push.Room),
			zap.String("edge", addr),
			zap.Int32("delivered", delivered))
	}
}

// extractMessageID digs the first message id out of the framed serverMessages
// envelope carried in PushMsg.Msg.
func extractMessageID(body string) string {
	env, err := protocol.Decode([]byte(body))
	if err != nil {
		return ""
	}
	var sm protocol.ServerMessages
	if err := json.Unmarshal(env.Payload, &sm); err != nil || len(sm.Messages) == 0 {
		return ""
	}
	return sm.Messages[0].ID
}
