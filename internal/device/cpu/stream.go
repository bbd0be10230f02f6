package cpu

import (
	"sync"

	"github.com/samcharles93/strata/internal/device"
)

// computeStream executes queued operations in order on one goroutine. The
// first error since the last Synchronize is sticky and reported by it.
type computeStream struct {
	ops  chan func() error
	quit chan struct{}
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func newComputeStream(depth int) *computeStream {
	s := &computeStream{
		ops:  make(chan func() error, depth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *computeStream) run() {
	defer close(s.done)
	for {
		select {
		case op := <-s.ops:
			s.exec(op)
		case <-s.quit:
			for {
				select {
				case op := <-s.ops:
					s.exec(op)
				default:
					return
				}
			}
		}
	}
}

func (s *computeStream) exec(op func() error) {
	if err := op(); err != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}
}

// enqueue queues op without waiting for it.
func (s *computeStream) enqueue(op func() error) error {
	select {
	case <-s.quit:
		return device.ErrNotReady
	default:
	}
	select {
	case s.ops <- op:
		return nil
	case <-s.quit:
		return device.ErrNotReady
	}
}

// Synchronize blocks until every operation queued before it has run.
func (s *computeStream) Synchronize() error {
	ack := make(chan struct{})
	if err := s.enqueue(func() error {
		close(ack)
		return nil
	}); err != nil {
		return err
	}
	select {
	case <-ack:
	case <-s.done:
		return device.ErrNotReady
	}
	s.mu.Lock()
	err := s.err
	s.err = nil
	s.mu.Unlock()
	return err
}

func (s *computeStream) stop() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}
