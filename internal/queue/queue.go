// Package queue carries cross-process signals over Redis: campaign stats
// broadcasts for live dashboards and the status-event reconciliation queue.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zerodha/logf"
)

const (
	// StatsChannel carries campaign counter updates
	StatsChannel = "whatsflow:campaign:stats"
	// reconcileKey is the list holding status events awaiting a contact row
	reconcileKey = "whatsflow:status:reconcile"
	// inboundKey is the list of inbound messages handed to downstream
	// consumers (the Responder)
	inboundKey = "whatsflow:inbound"
)

// StatsUpdate is one campaign counters snapshot published after each batch
type StatsUpdate struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Status     string    `json:"status"`
	Recipients int       `json:"recipients"`
	Sent       int       `json:"sent"`
	Delivered  int       `json:"delivered"`
	Read       int       `json:"read"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	At         time.Time `json:"at"`
}

// ReconcileItem is a status event whose contact row was not yet visible
type ReconcileItem struct {
	MessageID  string    `json:"message_id"`
	Status     string    `json:"status"`
	EventTS    time.Time `json:"event_ts"`
	FailReason string    `json:"fail_reason,omitempty"`
	Attempts   int       `json:"attempts"`
}

// Queue wraps the Redis client
type Queue struct {
	rdb *redis.Client
	log logf.Logger
}

// New creates a Queue
func New(rdb *redis.Client, log logf.Logger) *Queue {
	return &Queue{rdb: rdb, log: log}
}

// PublishStats broadcasts a counters snapshot. Best-effort.
func (q *Queue) PublishStats(ctx context.Context, update StatsUpdate) {
	update.At = time.Now()
	data, err := json.Marshal(update)
	if err != nil {
		q.log.Error("Failed to encode stats update", "error", err)
		return
	}
	if err := q.rdb.Publish(ctx, StatsChannel, data).Err(); err != nil {
		q.log.Error("Failed to publish stats update", "campaign_id", update.CampaignID, "error", err)
	}
}

// SubscribeStats delivers counter snapshots until ctx is done
func (q *Queue) SubscribeStats(ctx context.Context, fn func(StatsUpdate)) {
	sub := q.rdb.Subscribe(ctx, StatsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var update StatsUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				q.log.Error("Malformed stats update", "error", err)
				continue
			}
			fn(update)
		}
	}
}

// InboundMessage is a reply that matched no waiting conversation
type InboundMessage struct {
	MessageID   string    `json:"message_id"`
	From        string    `json:"from"`
	Name        string    `json:"name,omitempty"`
	Type        string    `json:"type"`
	Text        string    `json:"text,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	PhoneNumber string    `json:"phone_number_id,omitempty"`
}

// EnqueueInbound hands a message to downstream consumers. Best-effort.
func (q *Queue) EnqueueInbound(ctx context.Context, msg InboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		q.log.Error("Failed to encode inbound message", "error", err)
		return
	}
	if err := q.rdb.LPush(ctx, inboundKey, data).Err(); err != nil {
		q.log.Error("Failed to enqueue inbound message", "message_id", msg.MessageID, "error", err)
	}
}

// EnqueueReconcile queues a status event for a later correlation retry
func (q *Queue) EnqueueReconcile(ctx context.Context, item ReconcileItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, reconcileKey, data).Err()
}

// DequeueReconcile blocks up to timeout for the next queued item. A nil item
// with nil error means the timeout elapsed.
func (q *Queue) DequeueReconcile(ctx context.Context, timeout time.Duration) (*ReconcileItem, error) {
	res, err := q.rdb.BRPop(ctx, timeout, reconcileKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPop returns [key, value]
	var item ReconcileItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return nil, err
	}
	return &item, nil
}
