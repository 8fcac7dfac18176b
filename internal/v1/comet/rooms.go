package comet

import (
	"sync"

	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
)

// roomTopic is the local subscriber set for one room on this edge.
type roomTopic struct {
	info protocol.Room

	mu          sync.RWMutex
	subscribers map[string]*Client
}

func newRoomTopic(info protocol.Room) *roomTopic {
	return &roomTopic{info: info, subscribers: make(map[string]*Client)}
}

func (t *roomTopic) add(c *Client) {
	t.mu.Lock()
	t.subscribers[c.ConnID] = c
	count := len(t.subscribers)
	t.mu.Unlock()
	metrics.RoomSubscribers.WithLabelValues(t.info.ID).Set(float64(count))
}

func (t *roomTopic) remove(connID string) {
	t.mu.Lock()
	delete(t.subscribers, connID)
	count := len(t.subscribers)
	t.mu.Unlock()
	metrics.RoomSubscribers.WithLabelValues(t.info.ID).Set(float64(count))
}

// publish delivers data to every local subscriber except skipConnID.
// Subscribers are snapshotted first so a slow socket never holds the topic
// lock. Returns how many clients accepted the message.
func (t *roomTopic) publish(data []byte, skipConnID string) int {
	t.mu.RLock()
	targets := make([]*Client, 0, len(t.subscribers))
	for connID, c := range t.subscribers {
		if connID == skipConnID {
			continue
		}
		targets = append(targets, c)
	}
	t.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(data) {
			delivered++
		}
	}
	return delivered
}
