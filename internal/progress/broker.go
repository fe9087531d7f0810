// Package progress broadcasts per-job progress events to any number of
// independent subscribers.
//
// Each job has a topic. Every subscriber owns an unbounded mailbox and a
// delivery goroutine, so a slow subscriber never blocks the publisher or
// other subscribers, and every subscriber sees the same events in the same
// order. A terminal event closes the topic: it is the last event any
// subscriber receives. Late subscribers only see events published after
// they joined.
package progress

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

var log = slog.Default()

var (
	// ErrTopicNotFound is returned for jobs that were never opened or were released.
	ErrTopicNotFound = errors.New("progress topic not found")
	// ErrTopicClosed is returned after a terminal event has been published.
	ErrTopicClosed = errors.New("progress topic closed")
)

// EventType distinguishes regular progress from terminal events.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is one progress notification for a job.
type Event struct {
	RunID      string                    `json:"runId"`
	Type       EventType                 `json:"type"`
	Percentage int                       `json:"percentage"`
	Step       string                    `json:"step"`
	Result     *types.OptimizationResult `json:"result,omitempty"`
	Error      *types.OptimizationError  `json:"error,omitempty"`
	At         time.Time                 `json:"at"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type != EventProgress
}

// Broker owns all job topics.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	lastPct int
	closed  bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Open creates the topic for runID. Opening an existing topic is a no-op.
func (b *Broker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[runID]; !ok {
		b.topics[runID] = &topic{subs: make(map[uint64]*Subscription), lastPct: -1}
	}
}

// Subscribe registers fn for future events of runID. fn runs on the
// subscription's own goroutine, one event at a time.
func (b *Broker) Subscribe(runID string, fn func(Event)) (*Subscription, error) {
	t, ok := b.topic(runID)
	if !ok {
		return nil, ErrTopicNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTopicClosed
	}

	t.nextID++
	s := newSubscription(runID, t.nextID, fn, func(id uint64) {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	})
	t.subs[s.id] = s
	go s.run()
	return s, nil
}

// Publish fans e out to every current subscriber. Progress events whose
// percentage does not increase are dropped. A terminal event closes the
// topic after delivery is queued.
func (b *Broker) Publish(e Event) error {
	t, ok := b.topic(e.RunID)
	if !ok {
		return ErrTopicNotFound
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTopicClosed
	}
	if !e.Terminal() {
		if e.Percentage <= t.lastPct {
			return nil
		}
		t.lastPct = e.Percentage
	}

	for _, s := range t.subs {
		s.push(e)
	}
	if e.Terminal() {
		t.closed = true
		for _, s := range t.subs {
			s.finish()
		}
	}
	return nil
}

// Release drops the topic and ends any remaining subscriptions. Called when
// a job's in-memory state is cleaned up.
func (b *Broker) Release(runID string) {
	b.mu.Lock()
	t, ok := b.topics[runID]
	delete(b.topics, runID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.closed = true
	subs := t.subs
	t.subs = make(map[uint64]*Subscription)
	t.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

// Subscribers returns the number of live subscriptions on runID.
func (b *Broker) Subscribers(runID string) int {
	t, ok := b.topic(runID)
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Topics returns the number of topics held.
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

func (b *Broker) topic(runID string) (*topic, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	return t, ok
}

// Subscription is one subscriber's mailbox.
type Subscription struct {
	id     uint64
	runID  string
	fn     func(Event)
	detach func(uint64)

	mu       sync.Mutex
	queue    []Event
	finished bool

	signal   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(runID string, id uint64, fn func(Event), detach func(uint64)) *Subscription {
	return &Subscription{
		id:     id,
		runID:  runID,
		fn:     fn,
		detach: detach,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// RunID returns the job this subscription follows.
func (s *Subscription) RunID() string {
	return s.runID
}

// Done is closed once the delivery goroutine has exited, either after the
// terminal event or after Unsubscribe.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe stops delivery. Events already being delivered finish; queued
// ones are discarded. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.stopOnce.Do(func() {
		s.detach(s.id)
		close(s.stop)
	})
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.wake()
}

// finish marks that no more events will arrive.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		finished := s.finished
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case <-s.stop:
				return
			default:
			}
			s.deliver(e)
		}

		if len(batch) > 0 {
			continue
		}
		if finished {
			return
		}
		select {
		case <-s.signal:
		case <-s.stop:
			return
		}
	}
}

func (s *Subscription) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Progress subscriber panicked", "runID", s.runID, "panic", r)
		}
	}()
	s.fn(e)
}
