package hub

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/wikimedia/commons-curator/store"
)

// StatsSource answers "is this batch finished" after a terminal delta.
// The job store implements it.
type StatsSource interface {
	GetBatchesStats(ctx context.Context, batchIDs []int64) (map[int64]store.Stats, error)
}

// Hub fans upload status deltas out to per-batch topics. It implements
// the worker's Events interface; subscriptions come from sessions.
type Hub struct {
	stats StatsSource

	mu     sync.Mutex
	topics map[int64]map[*Conn]struct{}
}

// New returns an empty hub.
func New(stats StatsSource) *Hub {
	return &Hub{
		stats:  stats,
		topics: make(map[int64]map[*Conn]struct{}),
	}
}

// Subscribe joins the connection to a batch topic.
func (h *Hub) Subscribe(batchID int64, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[batchID]
	if !ok {
		subs = make(map[*Conn]struct{})
		h.topics[batchID] = subs
	}
	subs[c] = struct{}{}
}

// Drop removes the connection from every topic. Called when a connection
// dies.
func (h *Hub) Drop(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for batchID, subs := range h.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, batchID)
		}
	}
}

// Publish forwards one status delta to the batch's subscribers. After a
// terminal delta it checks the batch's aggregate counts; when nothing is
// queued or running anymore, subscribers get UPLOADS_COMPLETE and the
// topic is torn down.
func (h *Hub) Publish(delta store.UploadDelta) {
	subs := h.subscribers(delta.BatchID)
	if len(subs) == 0 {
		return
	}

	update := Outbound{Type: MsgUploadsUpdate, Data: []store.UploadDelta{delta}}
	for _, c := range subs {
		if c.Send(update) {
			hubDeliveries.Inc()
		}
	}

	if !delta.Status.Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stats, err := h.stats.GetBatchesStats(ctx, []int64{delta.BatchID})
	if err != nil {
		log.G(ctx).WithError(err).WithField("batch-id", delta.BatchID).Error("failed to check batch completion")
		return
	}
	s := stats[delta.BatchID]
	if s.Queued+s.InProgress > 0 {
		return
	}

	complete := Outbound{Type: MsgUploadsComplete, Data: delta.BatchID}
	for _, c := range h.teardown(delta.BatchID) {
		c.Send(complete)
	}
}

func (h *Hub) subscribers(batchID int64) []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*Conn, 0, len(h.topics[batchID]))
	for c := range h.topics[batchID] {
		subs = append(subs, c)
	}
	return subs
}

// teardown removes the topic and returns its final subscriber set.
func (h *Hub) teardown(batchID int64) []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*Conn, 0, len(h.topics[batchID]))
	for c := range h.topics[batchID] {
		subs = append(subs, c)
	}
	delete(h.topics, batchID)
	return subs
}
