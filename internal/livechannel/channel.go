// Package livechannel provides best-effort, per-job broadcast of progress events.
//
// Publish never blocks the producer. Each subscriber owns a bounded queue; when
// it is full the oldest queued event is discarded to make room for the newest.
// When a job ends the terminal event is delivered to every subscriber exactly
// once and their queues are closed. Subscribing after that point yields a
// queue holding only the terminal event.
package livechannel

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// ErrClosed is returned by Close when the channel was already closed.
var ErrClosed = errors.New("live channel closed")

// DefaultQueueSize is the per-subscriber buffer used when none is configured.
const DefaultQueueSize = 16

// Stats is a snapshot of delivery counters
type Stats struct {
	Published   uint64 `json:"published"`
	Sent        uint64 `json:"sent"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
	Closed      bool   `json:"closed"`
}

// Channel broadcasts events for a single job
type Channel struct {
	jobID     string
	queueSize int

	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextID   uint64
	closed   bool
	terminal models.ProgressEvent

	published atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// Subscription is one consumer's view of a channel
type Subscription struct {
	id     uint64
	ch     chan models.ProgressEvent
	parent *Channel
	done   bool // guarded by parent.mu
}

// New creates an open channel for jobID
func New(jobID string, queueSize int) *Channel {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Channel{
		jobID:     jobID,
		queueSize: queueSize,
		subs:      make(map[uint64]*Subscription),
	}
}

// JobID returns the job this channel belongs to
func (c *Channel) JobID() string { return c.jobID }

// Subscribe attaches a new consumer. On a closed channel the returned
// subscription already holds the terminal event and is closed.
func (c *Channel) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	sub := &Subscription{
		id:     c.nextID,
		ch:     make(chan models.ProgressEvent, c.queueSize),
		parent: c,
	}
	if c.closed {
		sub.ch <- c.terminal
		close(sub.ch)
		sub.done = true
		return sub
	}
	c.subs[sub.id] = sub
	return sub
}

// Publish offers ev to every subscriber without blocking. Terminal events must
// go through Close. Publishing on a closed channel is a no-op.
func (c *Channel) Publish(ev models.ProgressEvent) {
	c.published.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, sub := range c.subs {
		if c.offer(sub, ev) {
			c.sent.Add(1)
		}
	}
}

// offer enqueues ev, evicting the oldest queued events if the queue is full.
// Returns false if ev itself could not be queued.
func (c *Channel) offer(sub *Subscription, ev models.ProgressEvent) bool {
	for attempt := 0; attempt <= c.queueSize; attempt++ {
		select {
		case sub.ch <- ev:
			return true
		default:
		}
		select {
		case <-sub.ch:
			c.dropped.Add(1)
		default:
		}
	}
	c.dropped.Add(1)
	return false
}

// Close delivers terminal to every current subscriber, closes their queues
// and remembers terminal for late subscribers. Only the first call has effect.
func (c *Channel) Close(terminal models.ProgressEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	c.terminal = terminal
	for id, sub := range c.subs {
		if c.offer(sub, terminal) {
			c.sent.Add(1)
		}
		close(sub.ch)
		sub.done = true
		delete(c.subs, id)
	}
	return nil
}

// Closed reports whether the channel has delivered its terminal event
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Stats returns the current counters
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	subs := len(c.subs)
	closed := c.closed
	c.mu.Unlock()
	return Stats{
		Published:   c.published.Load(),
		Sent:        c.sent.Load(),
		Dropped:     c.dropped.Load(),
		Subscribers: subs,
		Closed:      closed,
	}
}

// Events returns the receive side of the subscription. It is closed after the
// terminal event or after Unsubscribe.
func (s *Subscription) Events() <-chan models.ProgressEvent { return s.ch }

// Unsubscribe detaches the subscription. Safe to call more than once and
// concurrently with Publish and Close.
func (s *Subscription) Unsubscribe() {
	c := s.parent
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	delete(c.subs, s.id)
	close(s.ch)
}
