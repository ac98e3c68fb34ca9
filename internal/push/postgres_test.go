package push

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-dashboard/internal/cache"
)

type fakeNotifier struct {
	mu         sync.Mutex
	listening  map[string]bool
	listenErr  error
	notify     chan *pq.Notification
	closed     bool
	unlistened []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{listening: map[string]bool{}, notify: make(chan *pq.Notification, 8)}
}

func (f *fakeNotifier) Listen(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	if f.listening[channel] {
		return pq.ErrChannelAlreadyOpen
	}
	f.listening[channel] = true
	return nil
}

func (f *fakeNotifier) Unlisten(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlistened = append(f.unlistened, channel)
	if !f.listening[channel] {
		return pq.ErrChannelNotOpen
	}
	delete(f.listening, channel)
	return nil
}

func (f *fakeNotifier) NotificationChannel() <-chan *pq.Notification { return f.notify }

func (f *fakeNotifier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestPGChannel() (*PGChannel, *fakeNotifier) {
	n := newFakeNotifier()
	c := newPGChannel(n)
	go c.loop()
	return c, n
}

func TestPGChannel_ListenAcknowledges(t *testing.T) {
	c, n := newTestPGChannel()
	defer c.Close()
	rec := newRecorder()

	h, err := c.Subscribe(context.Background(), TopicRequests, allEvents, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, Subscribed, waitFor(t, rec.states))
	assert.NoError(t, waitFor(t, rec.errs))

	require.NoError(t, c.Unsubscribe(h))
	assert.Equal(t, []string{TopicRequests}, n.unlistened)
	assert.False(t, n.listening[TopicRequests])
}

func TestPGChannel_ListenFailure(t *testing.T) {
	c, n := newTestPGChannel()
	defer c.Close()
	n.listenErr = errors.New("permission denied for channel")
	rec := newRecorder()

	_, err := c.Subscribe(context.Background(), TopicFleet, allEvents, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, Failed, waitFor(t, rec.states))
	assert.ErrorContains(t, waitFor(t, rec.errs), "permission denied")
}

func TestPGChannel_DeliversNotifications(t *testing.T) {
	c, n := newTestPGChannel()
	defer c.Close()
	rec := newRecorder()
	_, err := c.Subscribe(context.Background(), TopicRequests, []cache.ChangeKind{cache.ChangeDelete}, rec.callbacks())
	require.NoError(t, err)
	waitFor(t, rec.states)

	n.notify <- &pq.Notification{Channel: TopicRequests, Extra: `{"event_type":"update","new":{"id":"r1"}}`}
	n.notify <- &pq.Notification{Channel: TopicRequests, Extra: `{"event_type":"delete","old":{"id":"r1"}}`}
	ev := waitFor(t, rec.events)
	assert.Equal(t, cache.ChangeDelete, ev.Type, "unsubscribed event types are filtered")
	assert.Equal(t, TopicRequests, ev.Topic)

	n.notify <- &pq.Notification{Channel: TopicRequests, Extra: `not json`}
	ev = waitFor(t, rec.events)
	assert.Empty(t, ev.Type)

	n.notify <- nil
	ev = waitFor(t, rec.events)
	assert.Empty(t, ev.Type, "a reconnect is reported as an unknown change")
	assert.Equal(t, TopicRequests, ev.Topic)
}

func TestPGChannel_DisconnectClosesSubscriptions(t *testing.T) {
	c, _ := newTestPGChannel()
	defer c.Close()
	rec := newRecorder()
	_, err := c.Subscribe(context.Background(), TopicFleet, allEvents, rec.callbacks())
	require.NoError(t, err)
	waitFor(t, rec.states)
	waitFor(t, rec.errs)

	c.handleListenerEvent(pq.ListenerEventDisconnected, errors.New("server closed the connection"))
	assert.Equal(t, Closed, waitFor(t, rec.states))
	assert.ErrorContains(t, waitFor(t, rec.errs), "server closed")
}

func TestPGChannel_Close(t *testing.T) {
	c, n := newTestPGChannel()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, n.closed)
}
