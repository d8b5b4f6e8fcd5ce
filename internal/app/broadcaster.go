package app

import (
	"errors"
	"sync"

	"blindtest-service/internal/domain"
)

// ErrSubscriberOverflow closes a subscription whose backlog grew past the configured limit.
// The observer recovers by subscribing again, optionally with the last seq it applied.
var ErrSubscriberOverflow = errors.New("subscriber backlog overflow")

// ErrSessionUnloaded closes every subscription of a session that was evicted or whose
// engine shut down. The observer recovers by subscribing again.
var ErrSessionUnloaded = errors.New("session unloaded")

// Broadcaster fans out the delta events of one session. Every subscriber owns a FIFO
// queue drained by its own goroutine, so publishing never blocks and a slow observer
// only delays itself.
type Broadcaster struct {
	mu          sync.Mutex
	nextID      uint64
	subs        map[uint64]*subscriber
	history     []domain.Event
	historySize int
	maxPending  int
	metrics     Metrics
}

type subscriber struct {
	mu    sync.Mutex
	queue []domain.Event
	wake  chan struct{}
	out   chan domain.Event
	done  chan struct{}
	once  sync.Once
	err   error
	// sink subscribers are never dropped for overflow and drain their queue on close.
	sink bool
}

func newBroadcaster(historySize, maxPending int, metrics Metrics) *Broadcaster {
	return &Broadcaster{
		subs:        make(map[uint64]*subscriber),
		historySize: historySize,
		maxPending:  maxPending,
		metrics:     metrics,
	}
}

// Subscription is one observer's view: a snapshot followed by every later event.
type Subscription struct {
	// Snapshot is the full session state; Events start at Snapshot.Seq+1 unless Replayed.
	Snapshot *domain.Session
	// Replayed is true when events after the requested seq were queued ahead of live ones.
	Replayed bool

	id  uint64
	sub *subscriber
	b   *Broadcaster
}

// Events delivers deltas in seq order. It is closed by Close or on overflow.
func (s *Subscription) Events() <-chan domain.Event {
	return s.sub.out
}

// Err reports why Events was closed; nil after an explicit Close.
func (s *Subscription) Err() error {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	return s.sub.err
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s.id, nil)
}

// subscribe registers an observer. Callers hold the session lock so no event can be
// published between taking the snapshot and registering.
func (b *Broadcaster) subscribe(snapshot *domain.Session, afterSeq uint64) *Subscription {
	return b.add(snapshot, afterSeq, false)
}

func (b *Broadcaster) add(snapshot *domain.Session, afterSeq uint64, sink bool) *Subscription {
	sub := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan domain.Event),
		done: make(chan struct{}),
		sink: sink,
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	replayed := false
	if afterSeq > 0 && afterSeq < snapshot.Seq {
		if missed, ok := b.since(afterSeq); ok {
			sub.queue = append(sub.queue, missed...)
			replayed = true
		}
	}
	b.subs[id] = sub
	b.mu.Unlock()

	b.metrics.SubscribersChanged(1)
	go sub.pump()
	return &Subscription{Snapshot: snapshot, Replayed: replayed, id: id, sub: sub, b: b}
}

// attach feeds every event to fn on a dedicated goroutine until the broadcaster closes.
// A slow fn grows the queue instead of losing events, and events queued at close are
// still delivered.
func (b *Broadcaster) attach(snapshot *domain.Session, fn func(domain.Event)) *Subscription {
	sub := b.add(snapshot, 0, true)
	go func() {
		for ev := range sub.Events() {
			fn(ev)
		}
	}()
	return sub
}

// since returns the events after seq if the history still covers all of them.
func (b *Broadcaster) since(seq uint64) ([]domain.Event, bool) {
	if len(b.history) == 0 || b.history[0].Seq > seq+1 {
		return nil, false
	}
	out := make([]domain.Event, 0, len(b.history))
	for _, ev := range b.history {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, true
}

func (b *Broadcaster) publish(events []domain.Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, events...)
	if over := len(b.history) - b.historySize; over > 0 {
		b.history = append([]domain.Event(nil), b.history[over:]...)
	}

	for id, sub := range b.subs {
		if !sub.enqueue(events, b.maxPending) {
			delete(b.subs, id)
			sub.close(ErrSubscriberOverflow)
			b.metrics.SubscribersChanged(-1)
		}
	}
}

func (b *Broadcaster) remove(id uint64, err error) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close(err)
		b.metrics.SubscribersChanged(-1)
	}
}

// observers counts subscribers other than attached sinks.
func (b *Broadcaster) observers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, sub := range b.subs {
		if !sub.sink {
			n++
		}
	}
	return n
}

// close ends every subscription; observers see err from Err.
func (b *Broadcaster) close(err error) {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close(err)
		b.metrics.SubscribersChanged(-1)
	}
}

func (s *subscriber) enqueue(events []domain.Event, limit int) bool {
	s.mu.Lock()
	if !s.sink && limit > 0 && len(s.queue)+len(events) > limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, events...)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				if s.sink && s.pending() > 0 {
					continue
				}
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = domain.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.sink {
			s.out <- ev
			continue
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
