package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/logger"
)

// pubSub is the part of *redis.PubSub the channel uses.
type pubSub interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	ChannelWithSubscriptions(opts ...redis.ChannelOption) <-chan interface{}
	Close() error
}

// RedisChannel receives events a Relay publishes on Redis pub/sub channels
// named after the topics. It lets many dashboard processes share one database
// listener.
type RedisChannel struct {
	ps  pubSub
	log *slog.Logger

	mu     sync.Mutex
	subs   map[string]channelSub
	acked  map[string]bool
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once
}

func NewRedisChannel(rdb *redis.Client) *RedisChannel {
	c := newRedisChannel(rdb.Subscribe(context.Background()))
	go c.loop()
	return c
}

func newRedisChannel(ps pubSub) *RedisChannel {
	return &RedisChannel{
		ps:    ps,
		log:   logger.WithComponent("push.redis"),
		subs:  make(map[string]channelSub),
		acked: make(map[string]bool),
		done:  make(chan struct{}),
	}
}

// Subscribe sends SUBSCRIBE for topic. Redis confirms it on the receive loop,
// which reports Subscribed through cb.
func (c *RedisChannel) Subscribe(ctx context.Context, topic string, events []cache.ChangeKind, cb Callbacks) (Handle, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[topic] = channelSub{id: id, events: events, cb: cb}
	delete(c.acked, topic)
	c.mu.Unlock()

	if err := c.ps.Subscribe(ctx, topic); err != nil {
		c.mu.Lock()
		if s, ok := c.subs[topic]; ok && s.id == id {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		return Handle{}, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return Handle{Topic: topic, id: id}, nil
}

func (c *RedisChannel) Unsubscribe(h Handle) error {
	c.mu.Lock()
	s, ok := c.subs[h.Topic]
	if !ok || s.id != h.id {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, h.Topic)
	delete(c.acked, h.Topic)
	c.mu.Unlock()
	return c.ps.Unsubscribe(context.Background(), h.Topic)
}

func (c *RedisChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ps.Close()
	})
	return err
}

func (c *RedisChannel) loop() {
	msgs := c.ps.ChannelWithSubscriptions()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				c.dropAll()
				return
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				c.confirmed(m)
			case *redis.Message:
				c.deliver(m)
			}
		}
	}
}

// confirmed handles a subscription confirmation. go-redis resubscribes on its
// own after a reconnect; a second confirmation for a topic means messages may
// have been missed meanwhile, so the subscriber also gets an unknown change.
func (c *RedisChannel) confirmed(m *redis.Subscription) {
	if m.Kind != "subscribe" {
		return
	}
	c.mu.Lock()
	s, ok := c.subs[m.Channel]
	again := c.acked[m.Channel]
	if ok {
		c.acked[m.Channel] = true
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if again {
		logger.ChannelEvent(m.Channel, "resubscribed", nil)
		s.cb.OnEvent(Event{Topic: m.Channel})
	}
	s.cb.OnStatus(Subscribed, nil)
}

func (c *RedisChannel) deliver(m *redis.Message) {
	c.mu.Lock()
	s, ok := c.subs[m.Channel]
	c.mu.Unlock()
	if !ok {
		return
	}
	ev := decodeEvent(m.Channel, []byte(m.Payload), c.log)
	if s.wants(ev.Type) {
		s.cb.OnEvent(ev)
	}
}

func (c *RedisChannel) dropAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]channelSub)
	c.acked = make(map[string]bool)
	c.mu.Unlock()
	for _, s := range subs {
		s.cb.OnStatus(Closed, errClosed)
	}
}

// Publisher is the part of *redis.Client a Relay publishes through.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Relay forwards every event of a source channel, normally a PGChannel, to
// Redis. The source is expected to recover its own connection; a PGChannel
// reports the gap as an unknown change, which is forwarded like any other.
type Relay struct {
	src Channel
	pub Publisher
	log *slog.Logger
}

func NewRelay(src Channel, pub Publisher) *Relay {
	return &Relay{src: src, pub: pub, log: logger.WithComponent("push.relay")}
}

// Run subscribes to every topic and forwards until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	var handles []Handle
	defer func() {
		for _, h := range handles {
			if err := r.src.Unsubscribe(h); err != nil {
				logger.ChannelEvent(h.Topic, "unsubscribe", err)
			}
		}
	}()
	for _, topic := range []string{TopicRequests, TopicFleet} {
		topic := topic
		h, err := r.src.Subscribe(ctx, topic, allEvents, Callbacks{
			OnEvent: func(ev Event) { r.forward(ctx, ev) },
			OnStatus: func(st SubscriptionState, err error) {
				logger.ChannelEvent(topic, "relay "+string(st), err)
			},
		})
		if err != nil {
			return fmt.Errorf("relay %s: %w", topic, err)
		}
		handles = append(handles, h)
	}
	r.log.Info("Relaying change events", "topics", len(handles))
	<-ctx.Done()
	return nil
}

func (r *Relay) forward(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.Warn("Failed to encode event", "topic", ev.Topic, "error", err)
		return
	}
	if err := r.pub.Publish(ctx, ev.Topic, payload).Err(); err != nil {
		r.log.Warn("Failed to publish event", "topic", ev.Topic, "error", err)
		return
	}
	r.log.Debug("Event relayed", "topic", ev.Topic, "event_type", ev.Type)
}
