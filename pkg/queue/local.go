package queue

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultVisibilityTimeout is how long a received message stays hidden.
const DefaultVisibilityTimeout = 5 * time.Minute

type localEntry struct {
	body       []byte
	deliveries int
}

type inflight struct {
	entry    localEntry
	deadline time.Time
}

// LocalQueue is an in-process queue for single-process runs and tests.
type LocalQueue struct {
	now        func() time.Time
	notify     chan struct{}
	inflight   map[string]inflight
	ready      []localEntry
	visibility time.Duration
	mu         sync.Mutex
}

// NewLocalQueue creates an empty queue. A non-positive visibility uses the default.
func NewLocalQueue(visibility time.Duration) *LocalQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &LocalQueue{
		now:        time.Now,
		notify:     make(chan struct{}, 1),
		inflight:   make(map[string]inflight),
		visibility: visibility,
	}
}

// Send enqueues a copy of body.
func (q *LocalQueue) Send(_ context.Context, body []byte) error {
	q.mu.Lock()
	q.ready = append(q.ready, localEntry{body: append([]byte(nil), body...)})
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *LocalQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// requeueExpired returns timed-out in-flight messages to the front. Caller holds q.mu.
func (q *LocalQueue) requeueExpired(now time.Time) {
	for receipt, f := range q.inflight {
		if !now.Before(f.deadline) {
			delete(q.inflight, receipt)
			q.ready = append([]localEntry{f.entry}, q.ready...)
		}
	}
}

func (q *LocalQueue) pop() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.requeueExpired(now)
	if len(q.ready) == 0 {
		return nil
	}
	e := q.ready[0]
	q.ready = q.ready[1:]
	e.deliveries++
	receipt := ulid.Make().String()
	q.inflight[receipt] = inflight{entry: e, deadline: now.Add(q.visibility)}
	if len(q.ready) > 0 {
		q.wake()
	}
	return &Message{Body: e.body, Receipt: receipt, Deliveries: e.deliveries}
}

// Receive hands out the oldest visible message, waiting up to wait for one.
// Each message goes to exactly one receiver until its visibility expires.
func (q *LocalQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	if m := q.pop(); m != nil {
		return m, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return q.pop(), nil
		case <-q.notify:
			if m := q.pop(); m != nil {
				return m, nil
			}
		}
	}
}

// Ack deletes an in-flight message.
func (q *LocalQueue) Ack(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receipt]; !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	return nil
}

// Depth counts visible messages.
func (q *LocalQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeueExpired(q.now())
	return len(q.ready), nil
}

// InFlight counts received but unacknowledged messages.
func (q *LocalQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

var _ Queue = (*LocalQueue)(nil)
