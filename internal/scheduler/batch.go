package scheduler

import "github.com/samcharles93/strata/internal/stream"

// Batch is the ordered set of streams selected for one execution cycle.
// Streams carried over from the previous cycle come first, newly admitted
// streams follow in arrival order.
type Batch struct {
	Streams []*stream.Stream
	// Admitted counts the streams promoted from the wait queue this cycle.
	Admitted int
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Streams)
}

func (b *Batch) Empty() bool {
	return b.Len() == 0
}

// IDs lists stream ids in batch order.
func (b *Batch) IDs() []string {
	ids := make([]string, 0, b.Len())
	if b == nil {
		return ids
	}
	for _, s := range b.Streams {
		ids = append(ids, s.ID())
	}
	return ids
}
