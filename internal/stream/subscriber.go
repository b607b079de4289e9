package stream

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/metrics"
)

// Client is the transport a subscriber pushes serialized envelopes through.
// Send is called from a single pump goroutine; implementations only need to
// guard against writes from their own control plane.
type Client interface {
	Send(data []byte) error
	Close() error
}

// DefaultQueueDepth is the per-subscriber queue bound. Newest frames win:
// when the queue is full the oldest entry is discarded.
const DefaultQueueDepth = 4

// Subscriber is one attached consumer of a stream session. Each subscriber
// owns a bounded queue and a pump goroutine, so one slow client never blocks
// the broadcast path or its peers.
type Subscriber struct {
	ID     uuid.UUID
	client Client

	queue     chan []byte
	dropped   atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
	pumpDone  chan struct{}

	// onDead is invoked once from the pump when a Send fails.
	onDead func(*Subscriber)
}

func newSubscriber(client Client, depth int, onDead func(*Subscriber)) *Subscriber {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	s := &Subscriber{
		ID:       uuid.New(),
		client:   client,
		queue:    make(chan []byte, depth),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		onDead:   onDead,
	}
	go s.pump()
	return s
}

func (s *Subscriber) pump() {
	defer close(s.pumpDone)
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := s.client.Send(msg); err != nil {
				log.Printf("[Stream] subscriber %s write failed, detaching: %v", s.ID, err)
				if s.onDead != nil {
					s.onDead(s)
				}
				return
			}
		}
	}
}

// enqueue offers msg to the subscriber queue without blocking. When the
// queue is full the oldest entry is dropped to make room.
func (s *Subscriber) enqueue(msg []byte) (dropped bool) {
	for {
		select {
		case s.queue <- msg:
			return dropped
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// Dropped returns how many frames this subscriber has lost to backpressure.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// close sends the optional final envelope directly (bypassing the queue so it
// is not displaced by pending frames), then closes the transport.
func (s *Subscriber) close(final []byte) {
	s.shutdown(final, true)
}

// shutdown tears the subscriber down. waitPump must be false when called
// from the pump goroutine itself.
func (s *Subscriber) shutdown(final []byte, waitPump bool) {
	s.closeOnce.Do(func() {
		close(s.done)
		if waitPump {
			<-s.pumpDone
		}
		if final != nil {
			_ = s.client.Send(final)
		}
		_ = s.client.Close()
	})
}

// SubscriberSet is the fan-out group for one session.
type SubscriberSet struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]*Subscriber
	queueDepth int
	closed     bool
}

func NewSubscriberSet(queueDepth int) *SubscriberSet {
	return &SubscriberSet{
		subs:       make(map[uuid.UUID]*Subscriber),
		queueDepth: queueDepth,
	}
}

// Attach registers client and starts its pump. Returns nil if the set has
// already been closed.
func (set *SubscriberSet) Attach(client Client) *Subscriber {
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.closed {
		return nil
	}
	sub := newSubscriber(client, set.queueDepth, func(dead *Subscriber) {
		set.Detach(dead.ID)
		dead.shutdown(nil, false)
	})
	set.subs[sub.ID] = sub
	metrics.StreamSubscribers.Inc()
	return sub
}

// Detach removes the subscriber without closing its transport. Returns the
// subscriber so the caller can close it outside the lock.
func (set *SubscriberSet) Detach(id uuid.UUID) *Subscriber {
	set.mu.Lock()
	defer set.mu.Unlock()
	sub, ok := set.subs[id]
	if !ok {
		return nil
	}
	delete(set.subs, id)
	metrics.StreamSubscribers.Dec()
	return sub
}

// Broadcast offers the already-serialized message to every subscriber.
// Returns the number of subscribers reached and the number of frames
// displaced from full queues.
func (set *SubscriberSet) Broadcast(msg []byte) (delivered, dropped int) {
	set.mu.RLock()
	defer set.mu.RUnlock()
	for _, sub := range set.subs {
		if sub.enqueue(msg) {
			dropped++
		}
		delivered++
	}
	return delivered, dropped
}

// Count returns the number of attached subscribers.
func (set *SubscriberSet) Count() int {
	set.mu.RLock()
	defer set.mu.RUnlock()
	return len(set.subs)
}

// CloseAll sends final to every subscriber, closes their transports and
// marks the set closed. Later Attach calls return nil.
func (set *SubscriberSet) CloseAll(final []byte) {
	set.mu.Lock()
	if set.closed {
		set.mu.Unlock()
		return
	}
	set.closed = true
	subs := make([]*Subscriber, 0, len(set.subs))
	for _, sub := range set.subs {
		subs = append(subs, sub)
	}
	set.subs = make(map[uuid.UUID]*Subscriber)
	set.mu.Unlock()

	for _, sub := range subs {
		sub.close(final)
		metrics.StreamSubscribers.Dec()
	}
}
