package pipeline

import (
	"context"
	"sync"
)

// poisonToken signals a worker to stop. It can never collide with a real
// request id (ids are caller strings or UUIDs, never NUL-prefixed).
const poisonToken = "\x00stop"

// Queue is an unbounded FIFO of request identifiers, safe for any number of
// concurrent producers and consumers. Position and size are first-class
// operations so callers never reach into the buffer.
type Queue struct {
	name string

	mu    sync.Mutex
	items []string

	// outstanding counts pushed-but-not-finalized ids (queued or in flight
	// at a worker). Poison tokens are not counted.
	outstanding int

	notify chan struct{}
}

// NewQueue constructs an empty queue. The name is used for logging and
// position reporting.
func NewQueue(name string) *Queue {
	return &Queue{
		name:   name,
		notify: make(chan struct{}, 1),
	}
}

// Name returns the queue's stage name.
func (q *Queue) Name() string {
	return q.name
}

// Push appends a request id to the tail of the queue.
func (q *Queue) Push(requestID string) {
	q.push(requestID, true)
}

// PushPoison appends n shutdown sentinels. A worker pulling a sentinel exits
// without forwarding it; each worker consumes its own.
func (q *Queue) PushPoison(n int) {
	for i := 0; i < n; i++ {
		q.push(poisonToken, false)
	}
}

func (q *Queue) push(id string, counted bool) {
	q.mu.Lock()
	q.items = append(q.items, id)
	if counted {
		q.outstanding++
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pull blocks until an id is available or the context is done. The second
// return value is false when the pulled token is a shutdown sentinel.
func (q *Queue) Pull(ctx context.Context) (string, bool, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				// keep other waiters runnable
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			if id == poisonToken {
				return "", false, nil
			}
			return id, true, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-q.notify:
		}
	}
}

// TaskDone records that processing finished for one previously pushed id.
func (q *Queue) TaskDone() {
	q.mu.Lock()
	if q.outstanding > 0 {
		q.outstanding--
	}
	q.mu.Unlock()
}

// Len returns the number of queued ids, excluding shutdown sentinels.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.items {
		if id != poisonToken {
			n++
		}
	}
	return n
}

// Position returns the 1-based position of a request id and true when the id
// is currently queued.
func (q *Queue) Position(requestID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pos := 0
	for _, id := range q.items {
		if id == poisonToken {
			continue
		}
		pos++
		if id == requestID {
			return pos, true
		}
	}
	return 0, false
}

// Outstanding returns the number of pushed ids not yet finalized.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}
