// Package bridge implements the in-process fan-out from journal
// commit events to per-client subscriptions. It decouples writer
// commit callbacks, which must never block, from per-client send
// rates: bounded per-subscriber queues bound memory at the cost of
// allowing a slow client to skip events, which is safe because
// replication clients reconnect and resume from a journal position
// rather than from the bridge.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"go.gazette.dev/replicad/registry"
)

// Event is a single commit delta published by a writer. Payload is an
// opaque descriptor; this module specifies only that events for a
// given WriterIndex are delivered to a subscriber in publication
// order, not how Payload is framed on the wire (that is the Agent's
// concern).
type Event struct {
	WriterIndex registry.Index
	CommitSeq   int64
	Payload     []byte
}

// Outcome is the result of a single NextEvent call.
type Outcome int

const (
	// OutcomeEvent means Event is populated with a real commit delta.
	OutcomeEvent Outcome = iota
	// OutcomeHeartbeat means no real event arrived before the heartbeat
	// cadence elapsed; Event is zero-valued.
	OutcomeHeartbeat
	// OutcomeTimeout means the caller's deadline elapsed with neither a
	// real event nor a heartbeat tick observed (only possible if the
	// caller's deadline is shorter than the heartbeat cadence).
	OutcomeTimeout
	// OutcomeShuttingDown means Halt was called; the subscription is no
	// longer usable and the caller should tear down.
	OutcomeShuttingDown
)

// Handle identifies one subscription. It is returned by Subscribe and
// must be passed to NextEvent and Unsubscribe.
type Handle uuid.UUID

// defaultQueueCapacity bounds memory per (subscriber, writer index) pair.
const defaultQueueCapacity = 64

type subQueue struct {
	mu      sync.Mutex
	events  []Event
	cap     int
	lossCnt int64
}

func newSubQueue(capacity int) *subQueue {
	return &subQueue{cap: capacity}
}

// push appends e, dropping the oldest queued event and incrementing
// the loss counter if the queue is already full.
// push appends e, dropping the oldest queued event and incrementing
// lossCnt if the queue was already at capacity. It reports whether an
// event was dropped.
func (q *subQueue) push(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped = false
	if len(q.events) >= q.cap {
		q.events = q.events[1:]
		q.lossCnt++
		dropped = true
	}
	q.events = append(q.events, e)
	return dropped
}

// pop removes and returns the oldest event, if any.
func (q *subQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	var e = q.events[0]
	q.events = q.events[1:]
	return e, true
}

type subscription struct {
	handle    Handle
	queues    map[registry.Index]*subQueue
	wake      chan struct{} // signalled (non-blocking) whenever any queue gets a push
	heartbeat chan struct{} // signalled (non-blocking) by the bridge's ticker
	stopped   chan struct{}
}

// Bridge is an EventBridge: a fan-out from writer commit events to
// per-subscriber bounded queues, with a shared heartbeat ticker.
type Bridge struct {
	heartbeat time.Duration
	capacity  int

	mu   sync.Mutex
	subs map[Handle]*subscription
	// byIndex indexes subscriptions interested in a given writer index,
	// avoiding an O(subscribers) scan of every subscription on Publish.
	byIndex map[registry.Index]map[Handle]*subscription

	tickerDone chan struct{}
	shutdownCh chan struct{}
	running    bool

	publishedTotal prometheus.Counter
	droppedTotal   prometheus.Counter
}

// New returns a Bridge with the given heartbeat cadence. Capacity, if
// zero, defaults to 64 events per (subscriber, writer index) pair.
func New(heartbeat time.Duration, capacity int) *Bridge {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Bridge{
		heartbeat:  heartbeat,
		capacity:   capacity,
		subs:       make(map[Handle]*subscription),
		byIndex:    make(map[registry.Index]map[Handle]*subscription),
		shutdownCh: make(chan struct{}),
		publishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replicad_bridge_events_published_total",
			Help: "Total commit events published into the bridge.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replicad_bridge_events_dropped_total",
			Help: "Total commit events dropped due to a full subscriber queue.",
		}),
	}
}

// Collectors returns the Bridge's Prometheus collectors for
// registration by the owning Server.
func (b *Bridge) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.publishedTotal, b.droppedTotal}
}

// Start begins the heartbeat ticker. It must be called before
// Subscribe/Publish/NextEvent are used, and is a no-op if already
// running.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return
	}
	b.running = true
	b.tickerDone = make(chan struct{})

	go b.tickLoop(b.tickerDone)
}

func (b *Bridge) tickLoop(done chan struct{}) {
	var ticker = time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.broadcastHeartbeat()
		case <-done:
			return
		}
	}
}

func (b *Bridge) broadcastHeartbeat() {
	b.mu.Lock()
	var subs = make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.heartbeat <- struct{}{}:
		default:
		}
	}
}

// Halt stops the heartbeat ticker and causes every waiting or future
// NextEvent call to return OutcomeShuttingDown promptly.
func (b *Bridge) Halt() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.tickerDone)
	var subs = make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	close(b.shutdownCh)
	for _, s := range subs {
		close(s.stopped)
	}
}

// Subscribe creates per-index bounded queues for the given writer
// indices and returns a handle identifying the subscription.
func (b *Bridge) Subscribe(indices ...registry.Index) Handle {
	var h = Handle(uuid.New())
	var sub = &subscription{
		handle:    h,
		queues:    make(map[registry.Index]*subQueue, len(indices)),
		wake:      make(chan struct{}, 1),
		heartbeat: make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	for _, idx := range indices {
		sub.queues[idx] = newSubQueue(b.capacity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[h] = sub
	for _, idx := range indices {
		if b.byIndex[idx] == nil {
			b.byIndex[idx] = make(map[Handle]*subscription)
		}
		b.byIndex[idx][h] = sub
	}
	return h
}

// Unsubscribe removes all queues for the subscription identified by h.
func (b *Bridge) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sub, ok = b.subs[h]
	if !ok {
		warnUnknownUnsubscribe(h)
		return
	}
	delete(b.subs, h)
	for idx := range sub.queues {
		delete(b.byIndex[idx], h)
		if len(b.byIndex[idx]) == 0 {
			delete(b.byIndex, idx)
		}
	}
}

// Publish appends event to every subscriber queue currently bound to
// writerIndex. Queue overflow drops the oldest queued event for that
// subscriber and increments its loss counter. Publish never blocks,
// so it is safe to call from a writer's commit callback.
func (b *Bridge) Publish(writerIndex registry.Index, event Event) {
	event.WriterIndex = writerIndex

	b.mu.Lock()
	var targets = b.byIndex[writerIndex]
	var subs = make([]*subscription, 0, len(targets))
	for _, s := range targets {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.publishedTotal.Inc()

	for _, s := range subs {
		var q = s.queues[writerIndex]
		if q.push(event) {
			b.droppedTotal.Inc()
		}
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// LossCount returns the number of events dropped so far for handle h
// and writer index idx, or 0 if the subscription/index is unknown.
func (b *Bridge) LossCount(h Handle, idx registry.Index) int64 {
	b.mu.Lock()
	var sub, ok = b.subs[h]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	var q, okq = sub.queues[idx]
	if !okq {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lossCnt
}

// NextEvent blocks up to deadline for the next event or heartbeat tick
// bound to subscription h. A heartbeat is delivered at least every
// configured cadence even absent real events, giving clients a
// liveness signal. NextEvent is cancel-safe with respect to Halt: a
// concurrent Halt causes a blocked call to return OutcomeShuttingDown
// promptly rather than waiting out the deadline.
func (b *Bridge) NextEvent(ctx context.Context, h Handle, deadline time.Time) (Event, Outcome) {
	b.mu.Lock()
	var sub, ok = b.subs[h]
	b.mu.Unlock()
	if !ok {
		return Event{}, OutcomeShuttingDown
	}

	for idx := range sub.queues {
		if e, found := sub.queues[idx].pop(); found {
			return e, OutcomeEvent
		}
	}

	var timer = time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-sub.stopped:
			return Event{}, OutcomeShuttingDown
		case <-b.shutdownCh:
			return Event{}, OutcomeShuttingDown
		case <-ctx.Done():
			return Event{}, OutcomeShuttingDown
		case <-sub.wake:
			for idx := range sub.queues {
				if e, found := sub.queues[idx].pop(); found {
					return e, OutcomeEvent
				}
			}
			// Spurious wake (event already drained by a racing call); keep waiting.
		case <-sub.heartbeat:
			return Event{}, OutcomeHeartbeat
		case <-timer.C:
			return Event{}, OutcomeTimeout
		}
	}
}

// warnUnknownUnsubscribe logs a Handler double-unsubscribing or
// unsubscribing a handle it never owned.
func warnUnknownUnsubscribe(h Handle) {
	log.WithField("subscriber", h).Warn("unsubscribe of unknown bridge handle")
}
