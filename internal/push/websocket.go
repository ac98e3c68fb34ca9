package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/logger"
)

// MessageType identifies a frame on the notification socket.
type MessageType string

const (
	// Client -> server
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"

	// Server -> client
	TypeSubscribeAck MessageType = "subscribe.ack"
	TypeChange       MessageType = "change"
	TypeError        MessageType = "error"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 1 << 20
)

// Message is the envelope of every frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload names the change types a subscriber wants.
type SubscribePayload struct {
	Events []cache.ChangeKind `json:"events"`
}

// ErrorPayload is the payload of error frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage builds an envelope with the current timestamp.
func NewMessage(t MessageType, topic string, payload any) (Message, error) {
	m := Message{Type: t, Topic: topic, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// TokenFunc returns the bearer token of the current actor.
type TokenFunc func() string

type channelSub struct {
	id     uint64
	events []cache.ChangeKind
	cb     Callbacks
}

func (s channelSub) wants(t cache.ChangeKind) bool {
	if t == "" || len(s.events) == 0 {
		return true
	}
	for _, e := range s.events {
		if e == t {
			return true
		}
	}
	return false
}

// WSChannel multiplexes topic subscriptions over one websocket connection.
// The connection is dialed on the first Subscribe and closed once the last
// subscription is gone, so a new actor token takes effect on resubscribe.
type WSChannel struct {
	url    string
	token  TokenFunc
	dialer *websocket.Dialer
	log    *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]channelSub
	nextID uint64

	writeMu sync.Mutex
}

func NewWSChannel(url string, token TokenFunc) *WSChannel {
	return &WSChannel{
		url:    url,
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: writeWait},
		log:    logger.WithComponent("push.ws"),
		subs:   make(map[string]channelSub),
	}
}

func (c *WSChannel) Subscribe(ctx context.Context, topic string, events []cache.ChangeKind, cb Callbacks) (Handle, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return Handle{}, err
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[topic] = channelSub{id: id, events: events, cb: cb}
	c.mu.Unlock()

	msg, err := NewMessage(TypeSubscribe, topic, SubscribePayload{Events: events})
	if err == nil {
		err = c.write(conn, msg)
	}
	if err != nil {
		c.mu.Lock()
		if s, ok := c.subs[topic]; ok && s.id == id {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		return Handle{}, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return Handle{Topic: topic, id: id}, nil
}

func (c *WSChannel) Unsubscribe(h Handle) error {
	c.mu.Lock()
	s, ok := c.subs[h.Topic]
	if !ok || s.id != h.id {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, h.Topic)
	conn := c.conn
	last := len(c.subs) == 0
	if last {
		c.conn = nil
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg, err := NewMessage(TypeUnsubscribe, h.Topic, nil)
	if err == nil {
		err = c.write(conn, msg)
	}
	if last {
		conn.Close()
	}
	return err
}

// Close drops the connection without reporting to subscribers.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]channelSub)
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *WSChannel) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	header := http.Header{}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	logger.ChannelEvent("*", "connected", nil, "url", c.url)

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn = conn

	done := make(chan struct{})
	go c.readPump(conn, done)
	go c.pingPump(conn, done)
	return conn, nil
}

func (c *WSChannel) write(conn *websocket.Conn, m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}

func (c *WSChannel) pingPump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WSChannel) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Warn("Discarding malformed frame", "error", err)
			continue
		}
		c.mu.Lock()
		s, ok := c.subs[m.Topic]
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.dispatch(s, m)
	}
}

func (c *WSChannel) dispatch(s channelSub, m Message) {
	switch m.Type {
	case TypeSubscribeAck:
		s.cb.OnStatus(Subscribed, nil)
	case TypeChange:
		ev := decodeEvent(m.Topic, m.Payload, c.log)
		if s.wants(ev.Type) {
			s.cb.OnEvent(ev)
		}
	case TypeError:
		var p ErrorPayload
		_ = json.Unmarshal(m.Payload, &p)
		s.cb.OnStatus(Failed, fmt.Errorf("%s: %s", p.Code, p.Message))
	}
}

// drop forgets conn after a read failure and reports every subscription on
// it as closed. Connections replaced or closed on purpose are ignored.
func (c *WSChannel) drop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	subs := c.subs
	c.subs = make(map[string]channelSub)
	c.mu.Unlock()
	conn.Close()

	logger.ChannelEvent("*", "disconnected", err)
	for _, s := range subs {
		s.cb.OnStatus(Closed, err)
	}
}
