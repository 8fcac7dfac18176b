package history

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
)

// Persister drain parameters.
const (
	PersistPeriod       = 10 * time.Second
	PersistInitialDelay = 5 * time.Second
	PersistBatchSize    = 100
)

// Persister moves queued messages into the relational store in batches. The
// queue is only trimmed after a successful insert, so a database outage
// leaves everything in place for the next cycle.
type Persister struct {
	redis     *store.Redis
	db        *store.DB
	period    time.Duration
	delay     time.Duration
	batchSize int64
}

// NewPersister wires a persister with the default cadence.
func NewPersister(redis *store.Redis, db *store.DB) *Persister {
	return &Persister{
		redis:     redis,
		db:        db,
		period:    PersistPeriod,
		delay:     PersistInitialDelay,
		batchSize: PersistBatchSize,
	}
}

// Run drains the queue on a fixed cadence until ctx is cancelled. The first
// drain fires after the initial delay, later ones every period.
func (p *Persister) Run(ctx context.Context) {
	timer := time.NewTimer(p.delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if n, err := p.DrainOnce(ctx); err != nil {
			logging.Error(ctx, "persist cycle failed", zap.Error(err))
		} else if n > 0 {
			logging.Debug(ctx, "persisted message batch", zap.Int("count", n))
		}

		timer.Reset(p.period)
	}
}

// DrainOnce moves at most one batch from the queue to the relational store.
// Returns how many queue entries were consumed. Entries that fail to decode
// are dropped with the batch; holding them would wedge the queue head.
func (p *Persister) DrainOnce(ctx context.Context) (int, error) {
	raw, err := p.redis.PeekPersistQueue(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}

	records := make([]store.MessageRecord, 0, len(raw))
	for _, payload := range raw {
		var view protocol.MessageView
		if err := json.Unmarshal([]byte(payload), &view); err != nil {
			metrics.PipelineDropped.WithLabelValues("persist_decode").Inc()
			logging.Warn(ctx, "dropping undecodable persist entry", zap.Error(err))
			continue
		}
		records = append(records, store.MessageRecord{
			RedisID:   view.ID,
			RoomID:    view.RoomID,
			UserID:    view.User.ID,
			Content:   view.Content,
			Timestamp: view.Timestamp,
		})
	}

	if err := p.db.InsertMessages(ctx, records); err != nil {
		return 0, err
	}
	metrics.PersistBatchSize.Observe(float64(len(records)))

	if err := p.redis.TrimPersistQueue(ctx, int64(len(raw))); err != nil {
		// Insert committed but trim failed. The next cycle re-inserts the
		// same prefix; readers resolve the duplicates by message id.
		return len(raw), err
	}
	return len(raw), nil
}
