package scheduler

import "github.com/samcharles93/strata/internal/stream"

// waitQueue is the FIFO of streams waiting for admission. It is guarded by
// the scheduler's lock.
type waitQueue struct {
	items []*stream.Stream
}

func (q *waitQueue) enqueue(s *stream.Stream) {
	q.items = append(q.items, s)
}

func (q *waitQueue) len() int {
	return len(q.items)
}

// peek returns the head of the queue or nil.
func (q *waitQueue) peek() *stream.Stream {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *waitQueue) pop() *stream.Stream {
	s := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return s
}

// prune drops streams that reached a terminal state while waiting.
func (q *waitQueue) prune() {
	kept := q.items[:0]
	for _, s := range q.items {
		if !s.State().Terminal() {
			kept = append(kept, s)
		}
	}
	clear(q.items[len(kept):])
	q.items = kept
}

// drain empties the queue and returns its contents.
func (q *waitQueue) drain() []*stream.Stream {
	out := q.items
	q.items = nil
	return out
}
