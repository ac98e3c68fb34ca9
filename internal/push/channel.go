// Package push keeps the cache in step with record-level change notifications
// and reports whether the notification stream can currently be trusted.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/domain"
)

// Topics the dashboard listens on, keyed to the collection they feed.
const (
	TopicRequests = "rental_requests"
	TopicFleet    = "fleet_items"
)

var topicCollections = map[string]domain.Collection{
	TopicRequests: domain.CollectionRequests,
	TopicFleet:    domain.CollectionFleet,
}

// CollectionFor returns the collection fed by topic.
func CollectionFor(topic string) (domain.Collection, bool) {
	c, ok := topicCollections[topic]
	return c, ok
}

// Event is one change notification. New carries the record after an insert or
// update, Old the record (or at least its id) before an update or delete. An
// Event with an empty Type means "something changed, details unknown".
type Event struct {
	Type       cache.ChangeKind `json:"event_type"`
	Topic      string           `json:"topic"`
	New        json.RawMessage  `json:"new,omitempty"`
	Old        json.RawMessage  `json:"old,omitempty"`
	CommitTime time.Time        `json:"commit_time,omitempty"`
}

// SubscriptionState is what a channel reports about one subscription.
type SubscriptionState string

const (
	Subscribed SubscriptionState = "subscribed"
	Closed     SubscriptionState = "closed"
	Failed     SubscriptionState = "error"
)

// Callbacks receive everything a channel delivers for one subscription. They
// may be called from the channel's own goroutine and must not block.
type Callbacks struct {
	OnEvent  func(Event)
	OnStatus func(SubscriptionState, error)
}

// Handle identifies one live subscription.
type Handle struct {
	Topic string
	id    uint64
}

// Channel is a remote change-notification stream.
type Channel interface {
	Subscribe(ctx context.Context, topic string, events []cache.ChangeKind, cb Callbacks) (Handle, error)
	Unsubscribe(h Handle) error
}

var allEvents = []cache.ChangeKind{cache.ChangeInsert, cache.ChangeUpdate, cache.ChangeDelete}

// decodeEvent parses a change payload published on topic. An empty or
// undecodable payload becomes an unknown change so the subscriber refetches.
func decodeEvent(topic string, payload []byte, log *slog.Logger) Event {
	var ev Event
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Warn("Undecodable change payload, treating as unknown change", "topic", topic, "error", err)
			ev = Event{}
		}
	}
	ev.Topic = topic
	return ev
}
