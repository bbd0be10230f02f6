package cpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/samcharles93/strata/internal/alloc"
)

// arena is the raw primitive for one memory space. Regions are mapped
// individually so every pointer handed out is a stable address.
//
// Work touching a region is queued on the compute stream, so regions are
// unmapped in stream order too. submit is shared by every arena of a backend
// and is held from region lookup until the op is queued, so a release cannot
// slip between the two.
type arena struct {
	name   string
	limit  uint64
	stream *computeStream
	submit *sync.Mutex

	mu      sync.Mutex
	regions map[alloc.Ptr][]byte
	used    uint64
}

func newArena(name string, limit uint64, stream *computeStream, submit *sync.Mutex) *arena {
	return &arena{
		name:    name,
		limit:   limit,
		stream:  stream,
		submit:  submit,
		regions: make(map[alloc.Ptr][]byte),
	}
}

func (a *arena) Allocate(size uint64) (alloc.Ptr, error) {
	if size == 0 {
		return alloc.Null, fmt.Errorf("%s allocate: zero size", a.name)
	}
	a.mu.Lock()
	if a.used+size > a.limit {
		free := a.limit - a.used
		a.mu.Unlock()
		return alloc.Null, fmt.Errorf("%s allocate %d bytes (%d free): %w", a.name, size, free, alloc.ErrOutOfMemory)
	}
	a.used += size
	a.mu.Unlock()

	region, err := mapRegion(size)
	if err != nil {
		a.mu.Lock()
		a.used -= size
		a.mu.Unlock()
		return alloc.Null, fmt.Errorf("%s map %d bytes: %w", a.name, size, err)
	}
	p := alloc.Ptr(uintptr(unsafe.Pointer(&region[0])))

	a.mu.Lock()
	a.regions[p] = region
	a.mu.Unlock()
	return p, nil
}

// Release forgets p at once and unmaps it after every op queued before it.
// The bytes count as free from this point.
func (a *arena) Release(p alloc.Ptr) error {
	a.submit.Lock()
	defer a.submit.Unlock()

	a.mu.Lock()
	region, ok := a.regions[p]
	if ok {
		delete(a.regions, p)
		a.used -= uint64(len(region))
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s release %#x: not mapped", a.name, uintptr(p))
	}
	if err := a.stream.enqueue(func() error { return unmapRegion(region) }); err != nil {
		// The stream is stopping and drains its queue before done closes.
		<-a.stream.done
		return unmapRegion(region)
	}
	return nil
}

func (a *arena) Fill(p alloc.Ptr, value byte, size uint64) error {
	a.submit.Lock()
	defer a.submit.Unlock()
	region, err := a.region(p, size)
	if err != nil {
		return err
	}
	return a.stream.enqueue(func() error {
		buf := region[:size]
		if value == 0 {
			clear(buf)
			return nil
		}
		for i := range buf {
			buf[i] = value
		}
		return nil
	})
}

// region returns the mapped bytes behind p, checking that size fits.
func (a *arena) region(p alloc.Ptr, size uint64) ([]byte, error) {
	a.mu.Lock()
	region, ok := a.regions[p]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s pointer %#x is not mapped", a.name, uintptr(p))
	}
	if size > uint64(len(region)) {
		return nil, fmt.Errorf("%s access of %d bytes exceeds region of %d bytes", a.name, size, len(region))
	}
	return region, nil
}

func (a *arena) usage() (used, limit uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used, a.limit
}
