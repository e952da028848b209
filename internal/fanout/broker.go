// Package fanout provides a multi-producer, multi-consumer broadcast primitive
// with a bounded buffer per subscriber.
package fanout

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the per-subscriber buffer used when none is configured.
const DefaultCapacity = 100

// Broker delivers every published value to every current subscriber.
//
// Overflow policy: when a subscriber's buffer is full, the oldest buffered
// value for that subscriber is discarded to make room. Publish never blocks
// on a slow subscriber and never affects the others.
type Broker[T any] struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription[T]
	nextID   uint64
	capacity int
	closed   bool
}

// New creates a Broker whose subscribers buffer up to capacity values.
//
// Postcondition: capacity <= 0 selects DefaultCapacity.
func New[T any](capacity int) *Broker[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broker[T]{
		subs:     make(map[uint64]*Subscription[T]),
		capacity: capacity,
	}
}

// Capacity returns the per-subscriber buffer size.
func (b *Broker[T]) Capacity() int {
	return b.capacity
}

// Subscribe registers a new subscriber that observes every value published
// from now on.
//
// Postcondition: On a closed broker the returned subscription's channel is
// already closed.
func (b *Broker[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription[T]{
		broker: b,
		id:     b.nextID,
		ch:     make(chan T, b.capacity),
	}
	b.nextID++
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish offers v to every subscriber and returns how many received it.
// It is safe to call from any goroutine and never blocks on a consumer.
func (b *Broker[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		s.offer(v)
	}
	return len(b.subs)
}

// Subscribers returns the number of active subscriptions.
func (b *Broker[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone and closes their channels. Later Publish calls
// are no-ops.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Subscription is one consumer's view of a Broker.
type Subscription[T any] struct {
	broker  *Broker[T]
	id      uint64
	ch      chan T
	mu      sync.Mutex // serializes publishers offering to this subscriber
	dropped atomic.Uint64
}

// C returns the receive channel. It is closed after Unsubscribe or when the
// broker closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Dropped returns how many values were discarded because this subscriber
// fell behind.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe removes the subscription and closes its channel. It is
// idempotent and does not affect other subscribers.
func (s *Subscription[T]) Unsubscribe() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

// offer enqueues v, evicting the oldest buffered value while the buffer is
// full. Called with the broker read lock held, so the channel is open.
func (s *Subscription[T]) offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}
