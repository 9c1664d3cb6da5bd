package events

import "sync"

// subscriptionBuffer is how many undelivered events a subscriber may
// lag before the oldest gets evicted.
const subscriptionBuffer = 64

// Event is one job lifecycle notification. Name is one of status, log,
// asset, done, failed; Data is the reporter payload for that name.
type Event struct {
	Name string         `json:"event"`
	Data map[string]any `json:"data"`
}

// Subscription is one listener on one job's event stream. Receive from
// C; the channel closes when the job is closed or the subscription is
// dropped.
type Subscription struct {
	C <-chan Event

	jobID  string
	ch     chan Event
	closed bool
}

// JobID returns the job this subscription listens to.
func (s *Subscription) JobID() string { return s.jobID }

// Bus fans job events out to per-job subscribers. Publishing never
// blocks on a slow subscriber; sends happen under the read lock so a
// channel is never closed mid-send.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a new listener for the job.
func (b *Bus) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{C: ch, jobID: jobID, ch: ch}
	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe drops the listener and closes its channel. Safe to call
// more than once and after CloseJob.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	remaining := b.subs[sub.jobID][:0]
	for _, s := range b.subs[sub.jobID] {
		if s != sub {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		delete(b.subs, sub.jobID)
	} else {
		b.subs[sub.jobID] = remaining
	}
	sub.closed = true
	close(sub.ch)
}

// Publish delivers an event to every subscriber of the job. A full
// subscriber loses its oldest buffered event; if it is still full the
// event is dropped for that subscriber only. Per-subscriber ordering
// of delivered events follows publish order.
func (b *Bus) Publish(jobID, name string, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[jobID] {
		select {
		case sub.ch <- Event{Name: name, Data: data}:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- Event{Name: name, Data: data}:
		default:
		}
	}
}

// CloseJob closes every subscription for the job. Buffered events stay
// readable until drained; subscribers then see the channel close.
func (b *Bus) CloseJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[jobID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(b.subs, jobID)
}

// Subscribers reports how many listeners the job currently has.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
