// Package notify is the outward message-passing boundary of the matching
// core. The engine enqueues notifications onto a bounded queue and a
// dispatcher drains them into the websocket hub; delivery is best-effort
// and unordered across independent emissions, and the core never blocks on
// a slow consumer.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Notification types.
const (
	TypeOrderBookUpdate = "orderbook.update"
	TypeTradeUpdate     = "trade.update"
	TypeEventStatus     = "event.status"
	TypeEventSettled    = "event.settled"
)

// Notification is one outbound message, routed by topic.
type Notification struct {
	Topic   string      `json:"topic"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// EventTopic returns the routing topic for event-scoped notifications.
func EventTopic(eventID string) string {
	return "event:" + eventID
}

// UserTopic returns the routing topic for user-scoped notifications.
func UserTopic(userID string) string {
	return "user:" + userID
}

// Queue is the bounded outbound notification queue.
type Queue struct {
	ch chan Notification
}

// NewQueue creates a queue with the given buffer size.
func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan Notification, size)}
}

// Publish enqueues a notification without blocking. When the queue is full
// the notification is dropped; delivery is fire-and-forget.
func (q *Queue) Publish(n Notification) {
	select {
	case q.ch <- n:
	default:
		log.Warn().
			Str("topic", n.Topic).
			Str("type", n.Type).
			Msg("notification queue full, dropping message")
	}
}

// Dispatcher drains the queue into the websocket hub.
type Dispatcher struct {
	queue *Queue
	hub   *Hub
}

// NewDispatcher creates a dispatcher for the given queue and hub.
func NewDispatcher(queue *Queue, hub *Hub) *Dispatcher {
	return &Dispatcher{queue: queue, hub: hub}
}

// Run delivers queued notifications until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	logger := log.With().Str("component", "notify_dispatcher").Logger()
	logger.Info().Msg("starting notification dispatcher")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down notification dispatcher")
			return
		case n := <-d.queue.ch:
			d.hub.BroadcastToTopic(n.Topic, n)
		}
	}
}
