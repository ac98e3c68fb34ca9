package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/logger"
)

// notifier is the part of *pq.Listener the channel uses.
type notifier interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// PGChannel delivers changes published with pg_notify by the row triggers on
// rental_requests and fleet_items. Each topic is a LISTEN channel of the same
// name; the notification payload is a JSON encoded Event.
type PGChannel struct {
	n   notifier
	log *slog.Logger

	mu     sync.Mutex
	subs   map[string]channelSub
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewPGChannel opens a pq.Listener on connStr. The listener reconnects on its
// own between minReconnect and maxReconnect.
func NewPGChannel(connStr string, minReconnect, maxReconnect time.Duration) *PGChannel {
	c := newPGChannel(nil)
	c.n = pq.NewListener(connStr, minReconnect, maxReconnect, c.handleListenerEvent)
	go c.loop()
	return c
}

func newPGChannel(n notifier) *PGChannel {
	return &PGChannel{
		n:    n,
		log:  logger.WithComponent("push.pg"),
		subs: make(map[string]channelSub),
		done: make(chan struct{}),
	}
}

// Subscribe registers cb and issues LISTEN in the background. LISTEN blocks
// while the connection is down, so the acknowledgment is reported through
// cb.OnStatus once it completes.
func (c *PGChannel) Subscribe(ctx context.Context, topic string, events []cache.ChangeKind, cb Callbacks) (Handle, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[topic] = channelSub{id: id, events: events, cb: cb}
	c.mu.Unlock()

	go func() {
		err := c.n.Listen(topic)
		if errors.Is(err, pq.ErrChannelAlreadyOpen) {
			err = nil
		}
		if !c.owns(topic, id) {
			return
		}
		if err != nil {
			cb.OnStatus(Failed, fmt.Errorf("listen %s: %w", topic, err))
			return
		}
		cb.OnStatus(Subscribed, nil)
	}()
	return Handle{Topic: topic, id: id}, nil
}

func (c *PGChannel) Unsubscribe(h Handle) error {
	c.mu.Lock()
	if !c.ownsLocked(h.Topic, h.id) {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, h.Topic)
	c.mu.Unlock()

	err := c.n.Unlisten(h.Topic)
	if errors.Is(err, pq.ErrChannelNotOpen) {
		return nil
	}
	return err
}

func (c *PGChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.n.Close()
	})
	return err
}

func (c *PGChannel) owns(topic string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownsLocked(topic, id)
}

func (c *PGChannel) ownsLocked(topic string, id uint64) bool {
	s, ok := c.subs[topic]
	return ok && s.id == id
}

func (c *PGChannel) snapshot() map[string]channelSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]channelSub, len(c.subs))
	for k, v := range c.subs {
		out[k] = v
	}
	return out
}

func (c *PGChannel) loop() {
	for {
		select {
		case <-c.done:
			return
		case n, ok := <-c.n.NotificationChannel():
			if !ok {
				return
			}
			c.deliver(n)
		}
	}
}

func (c *PGChannel) deliver(n *pq.Notification) {
	if n == nil {
		// The connection was re-established; anything published meanwhile
		// is lost, so every topic gets an unspecific change.
		for topic, s := range c.snapshot() {
			s.cb.OnEvent(Event{Topic: topic})
		}
		return
	}

	c.mu.Lock()
	s, ok := c.subs[n.Channel]
	c.mu.Unlock()
	if !ok {
		return
	}
	ev := decodeEvent(n.Channel, []byte(n.Extra), c.log)
	if s.wants(ev.Type) {
		s.cb.OnEvent(ev)
	}
}

// handleListenerEvent reports connection loss to every subscriber. Callbacks
// run on their own goroutine since pq calls this from its connection loop.
func (c *PGChannel) handleListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		logger.ChannelEvent("*", "connected", nil)
	case pq.ListenerEventReconnected:
		logger.ChannelEvent("*", "reconnected", nil)
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		if err == nil {
			err = errClosed
		}
		subs := c.snapshot()
		go func() {
			for _, s := range subs {
				s.cb.OnStatus(Closed, err)
			}
		}()
	}
}
