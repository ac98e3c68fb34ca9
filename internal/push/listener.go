package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/logger"
)

// Status is the health of the notification stream as a whole.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusLive       Status = "live"
	StatusDegraded   Status = "degraded"
)

const (
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultRetryBase        = 2 * time.Second
	DefaultRetryMax         = 2 * time.Minute
)

var (
	errSubscribeTimeout = errors.New("no subscription acknowledgment")
	errClosed           = errors.New("subscription closed")
)

// Refresher refetches collections the listener could not patch in place.
type Refresher interface {
	FetchCollections(ctx context.Context, cols []domain.Collection, manual bool) error
}

// Listener subscribes to every topic, merges single-record changes into the
// cache store and falls back to a refetch for anything else. A failed, closed
// or unacknowledged subscription marks its collection stale, flips the
// listener to degraded and is retried with exponential backoff.
type Listener struct {
	channel   Channel
	store     *cache.Store
	refresher Refresher
	topics    []string
	log       *slog.Logger

	subscribeTimeout time.Duration
	retryBase        time.Duration
	retryMax         time.Duration

	mu       sync.Mutex
	running  bool
	gen      uint64
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	subs     map[string]*subscription
	status   Status
	lastErr  error
	watchers []func(Status)
}

type subscription struct {
	attempt   uint64
	handle    Handle
	hasHandle bool
	acked     bool
	down      bool
	done      bool
	failures  int
	timer     *time.Timer
}

func (s *subscription) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

type ListenerOption func(*Listener)

func WithSubscribeTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.subscribeTimeout = d
		}
	}
}

// WithRetry bounds the resubscribe backoff.
func WithRetry(base, limit time.Duration) ListenerOption {
	return func(l *Listener) {
		if base > 0 {
			l.retryBase = base
		}
		if limit >= l.retryBase {
			l.retryMax = limit
		}
	}
}

func NewListener(ch Channel, store *cache.Store, r Refresher, opts ...ListenerOption) *Listener {
	l := &Listener{
		channel:          ch,
		store:            store,
		refresher:        r,
		topics:           []string{TopicRequests, TopicFleet},
		log:              logger.WithComponent("push"),
		subscribeTimeout: DefaultSubscribeTimeout,
		retryBase:        DefaultRetryBase,
		retryMax:         DefaultRetryMax,
		status:           StatusConnecting,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnStatusChange registers fn to be called with every status transition.
func (l *Listener) OnStatusChange(fn func(Status)) {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
}

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Err returns the most recent channel error, if any.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Start subscribes to every topic. It returns without waiting for
// acknowledgments; the listener stays connecting until the first one arrives.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.gen++
	gen := l.gen
	l.parent = ctx
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.subs = make(map[string]*subscription, len(l.topics))
	for _, t := range l.topics {
		l.subs[t] = &subscription{}
	}
	l.lastErr = nil
	l.mu.Unlock()

	l.setStatus(StatusConnecting)
	for _, t := range l.topics {
		l.subscribe(gen, t)
	}
}

// Stop unsubscribes from every topic and cancels pending retries. Callbacks
// that arrive afterwards are ignored.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.gen++
	l.cancel()
	var handles []Handle
	for _, s := range l.subs {
		s.stopTimer()
		if s.hasHandle {
			handles = append(handles, s.handle)
		}
	}
	l.subs = nil
	l.mu.Unlock()

	l.setStatus(StatusConnecting)
	for _, h := range handles {
		if err := l.channel.Unsubscribe(h); err != nil {
			logger.ChannelEvent(h.Topic, "unsubscribe", err)
		}
	}
}

// Restart tears every subscription down and establishes it again. It is used
// when the authenticated actor changes, since subscriptions are authorized
// per actor.
func (l *Listener) Restart() {
	l.mu.Lock()
	parent := l.parent
	running := l.running
	l.mu.Unlock()
	if !running {
		return
	}
	l.log.Info("Actor changed, re-establishing push subscriptions")
	l.Stop()
	l.Start(parent)
}

// current returns the subscription for topic if gen and attempt still
// identify its latest attempt. Caller holds l.mu.
func (l *Listener) current(gen uint64, topic string, attempt uint64) *subscription {
	if !l.running || gen != l.gen {
		return nil
	}
	s := l.subs[topic]
	if s == nil || s.attempt != attempt {
		return nil
	}
	return s
}

func (l *Listener) subscribe(gen uint64, topic string) {
	l.mu.Lock()
	if !l.running || gen != l.gen {
		l.mu.Unlock()
		return
	}
	s := l.subs[topic]
	s.stopTimer()
	s.attempt++
	attempt := s.attempt
	s.acked, s.done, s.hasHandle = false, false, false
	ctx := l.ctx
	l.mu.Unlock()

	cb := Callbacks{
		OnEvent: func(ev Event) { l.handleEvent(gen, topic, ev) },
		OnStatus: func(st SubscriptionState, err error) {
			l.handleState(gen, topic, attempt, st, err)
		},
	}
	logger.ChannelEvent(topic, "subscribe", nil, "attempt", attempt)
	h, err := l.channel.Subscribe(ctx, topic, allEvents, cb)
	if err != nil {
		l.fail(gen, topic, attempt, err)
		return
	}

	l.mu.Lock()
	s = l.current(gen, topic, attempt)
	if s == nil || s.done {
		l.mu.Unlock()
		_ = l.channel.Unsubscribe(h)
		return
	}
	s.handle, s.hasHandle = h, true
	if !s.acked {
		s.timer = time.AfterFunc(l.subscribeTimeout, func() {
			l.fail(gen, topic, attempt, errSubscribeTimeout)
		})
	}
	l.mu.Unlock()
}

func (l *Listener) handleState(gen uint64, topic string, attempt uint64, st SubscriptionState, err error) {
	if st != Subscribed {
		if err == nil {
			err = errClosed
		}
		l.fail(gen, topic, attempt, err)
		return
	}

	l.mu.Lock()
	s := l.current(gen, topic, attempt)
	if s == nil || s.done {
		l.mu.Unlock()
		return
	}
	recovered := s.failures > 0
	s.acked, s.down, s.failures = true, false, 0
	s.stopTimer()
	l.mu.Unlock()

	logger.ChannelEvent(topic, "subscribed", nil, "recovered", recovered)
	if recovered {
		// Changes made while the subscription was down were never delivered.
		if col, ok := CollectionFor(topic); ok {
			l.refresh(col, domain.CollectionStats)
		}
	}
	l.recompute()
}

func (l *Listener) fail(gen uint64, topic string, attempt uint64, err error) {
	l.mu.Lock()
	s := l.current(gen, topic, attempt)
	if s == nil || s.done {
		l.mu.Unlock()
		return
	}
	s.done, s.acked, s.down = true, false, true
	s.failures++
	s.stopTimer()
	h, hadHandle := s.handle, s.hasHandle
	s.hasHandle = false
	cerr := &domain.ChannelError{Topic: topic, Err: err}
	l.lastErr = cerr
	delay := backoff(s.failures, l.retryBase, l.retryMax)
	s.timer = time.AfterFunc(delay, func() { l.subscribe(gen, topic) })
	l.mu.Unlock()

	logger.ChannelEvent(topic, "degraded", cerr, "retry_in", delay)
	if hadHandle {
		_ = l.channel.Unsubscribe(h)
	}
	if col, ok := CollectionFor(topic); ok {
		l.store.MarkStale(col, domain.CollectionStats)
	}
	l.recompute()
}

func (l *Listener) recompute() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	next := StatusConnecting
	for _, s := range l.subs {
		if s.down {
			next = StatusDegraded
			break
		}
		if s.acked {
			next = StatusLive
		}
	}
	l.mu.Unlock()
	l.setStatus(next)
}

func (l *Listener) setStatus(next Status) {
	l.mu.Lock()
	if l.status == next {
		l.mu.Unlock()
		return
	}
	prev := l.status
	l.status = next
	watchers := append([]func(Status){}, l.watchers...)
	l.mu.Unlock()

	l.log.Info("Channel status changed", "from", prev, "to", next)
	for _, fn := range watchers {
		fn(next)
	}
}

func (l *Listener) handleEvent(gen uint64, topic string, ev Event) {
	l.mu.Lock()
	live := l.running && gen == l.gen
	l.mu.Unlock()
	if !live {
		return
	}
	col, ok := CollectionFor(topic)
	if !ok {
		return
	}

	logger.ChannelEvent(topic, "change", nil, "type", ev.Type)
	if l.merge(col, ev) {
		l.refresh(domain.CollectionStats)
		return
	}
	l.refresh(col, domain.CollectionStats)
}

// merge applies ev in place and reports whether that was possible.
func (l *Listener) merge(col domain.Collection, ev Event) bool {
	raw := ev.New
	switch ev.Type {
	case cache.ChangeInsert, cache.ChangeUpdate:
	case cache.ChangeDelete:
		if len(ev.Old) > 0 {
			raw = ev.Old
		}
	default:
		return false
	}
	if len(raw) == 0 {
		return false
	}
	at := ev.CommitTime
	if at.IsZero() {
		at = l.store.Now()
	}

	switch col {
	case domain.CollectionRequests:
		var rec domain.RentalRequest
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ID == "" {
			return false
		}
		return l.store.MergeRequest(ev.Type, rec, at)
	case domain.CollectionFleet:
		var item domain.FleetItem
		if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
			return false
		}
		return l.store.MergeFleet(ev.Type, item, at)
	}
	return false
}

// refresh invalidates cols and refetches them in the background.
func (l *Listener) refresh(cols ...domain.Collection) {
	l.store.MarkStale(cols...)
	if l.refresher == nil {
		return
	}
	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()
	go func() {
		if err := l.refresher.FetchCollections(ctx, cols, false); err != nil {
			l.log.Debug("Refresh after change notification failed", "collections", cols, "error", err)
		}
	}()
}

// backoff doubles base per consecutive failure, capped at limit.
func backoff(failures int, base, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
