// Package alloc implements the reuse-first buffer pool that sits on top of a
// backend's raw allocation primitive.
//
// Every request is rounded up to Alignment bytes. The pool map (pointer to
// aligned size) is the only record of which buffers are live; it is guarded
// by a single mutex and raw backend calls are made outside the lock where the
// bookkeeping allows it.
package alloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/strata/internal/logger"
)

// Alignment is the granularity every tracked buffer size is rounded up to.
const Alignment = 32

// Ptr is the identity of a buffer returned by a Raw primitive. The zero value
// is the null allocation.
type Ptr uintptr

// Null is the handle returned for zero-sized requests.
const Null Ptr = 0

// ErrOutOfMemory is returned by Raw implementations when the request cannot be
// satisfied. Callers should match it with errors.Is.
var ErrOutOfMemory = errors.New("out of memory")

// Kind names the memory space an allocator manages.
type Kind string

const (
	Device Kind = "device"
	Host   Kind = "host"
)

// Raw is the allocation primitive a backend exposes for one memory space.
// Fill is asynchronous with respect to the caller: it is queued on the
// backend's compute stream and completes before the next synchronize.
type Raw interface {
	Allocate(size uint64) (Ptr, error)
	Release(p Ptr) error
	Fill(p Ptr, value byte, size uint64) error
}

// Stats is a snapshot of allocator counters.
type Stats struct {
	Mallocs      int64  `json:"mallocs"`
	Frees        int64  `json:"frees"`
	Reuses       int64  `json:"reuses"`
	Grows        int64  `json:"grows"`
	Shrinks      int64  `json:"shrinks"`
	UnknownFrees int64  `json:"unknown_frees"`
	Failures     int64  `json:"failures"`
	LiveBuffers  int    `json:"live_buffers"`
	LiveBytes    uint64 `json:"live_bytes"`
}

// AlignSize rounds n up to the next multiple of Alignment.
func AlignSize(n uint64) uint64 {
	return (n + Alignment - 1) / Alignment * Alignment
}

type Allocator struct {
	kind Kind
	raw  Raw
	log  logger.Logger

	mu    sync.Mutex
	pool  map[Ptr]uint64
	bytes uint64
	stats Stats
}

// New returns an empty allocator over raw. A nil log discards diagnostics.
func New(kind Kind, raw Raw, log logger.Logger) *Allocator {
	if log == nil {
		log = logger.Discard()
	}
	return &Allocator{
		kind: kind,
		raw:  raw,
		log:  log.With("component", "allocator", "kind", string(kind)),
		pool: make(map[Ptr]uint64),
	}
}

func (a *Allocator) Kind() Kind { return a.kind }

// Malloc returns a new buffer of at least size bytes, optionally zero-filled.
// A zero size yields Null without touching the pool. On failure the pool is
// left unmodified and the raw error is returned.
func (a *Allocator) Malloc(size uint64, zero bool) (Ptr, error) {
	if size == 0 {
		return Null, nil
	}
	aligned := AlignSize(size)
	p, err := a.raw.Allocate(aligned)
	if err != nil {
		a.mu.Lock()
		a.stats.Failures++
		a.mu.Unlock()
		return Null, fmt.Errorf("%s malloc %d bytes: %w", a.kind, aligned, err)
	}
	if zero {
		if err := a.raw.Fill(p, 0, aligned); err != nil {
			if relErr := a.raw.Release(p); relErr != nil {
				a.log.Warn("release after failed fill", "ptr", p, "error", relErr)
			}
			return Null, fmt.Errorf("%s zero fill %d bytes: %w", a.kind, aligned, err)
		}
	}

	a.mu.Lock()
	a.pool[p] = aligned
	a.bytes += aligned
	a.stats.Mallocs++
	a.mu.Unlock()
	return p, nil
}

// Free releases the buffer behind *p and nulls the handle. Pointers the pool
// does not know are reported and otherwise ignored.
func (a *Allocator) Free(p *Ptr) {
	if p == nil {
		return
	}
	ptr := *p
	*p = Null
	if ptr == Null {
		return
	}

	a.mu.Lock()
	size, ok := a.pool[ptr]
	if ok {
		delete(a.pool, ptr)
		a.bytes -= size
		a.stats.Frees++
	} else {
		a.stats.UnknownFrees++
	}
	a.mu.Unlock()

	if !ok {
		a.log.Warn("free of untracked pointer", "ptr", fmt.Sprintf("%#x", uintptr(ptr)))
		return
	}
	if err := a.raw.Release(ptr); err != nil {
		a.log.Warn("raw release failed", "ptr", fmt.Sprintf("%#x", uintptr(ptr)), "size", size, "error", err)
	}
}

// ReMalloc resizes or reuses p. The request is aligned first; a tracked
// pointer of exactly that size is returned as is (zero-filled on request)
// without a backend allocation. Any other tracked size is freed and replaced.
// Untracked pointers fall back to Malloc. When the replacement allocation
// fails the old buffer is already gone and Null is returned with the error.
func (a *Allocator) ReMalloc(p Ptr, size uint64, zero bool) (Ptr, error) {
	aligned := AlignSize(size)

	a.mu.Lock()
	current, ok := a.pool[p]
	if ok && current == aligned {
		a.stats.Reuses++
	}
	a.mu.Unlock()

	if !ok {
		return a.Malloc(size, zero)
	}
	if current == aligned {
		if zero && aligned > 0 {
			if err := a.raw.Fill(p, 0, aligned); err != nil {
				return p, fmt.Errorf("%s zero fill %d bytes: %w", a.kind, aligned, err)
			}
		}
		return p, nil
	}

	a.mu.Lock()
	if aligned > current {
		a.stats.Grows++
	} else {
		a.stats.Shrinks++
	}
	a.mu.Unlock()

	a.Free(&p)
	return a.Malloc(size, zero)
}

// MemSet queues an asynchronous fill of size bytes at p. Tracked buffers are
// bounds checked.
func (a *Allocator) MemSet(p Ptr, value byte, size uint64) error {
	if p == Null || size == 0 {
		return nil
	}
	a.mu.Lock()
	tracked, ok := a.pool[p]
	a.mu.Unlock()
	if ok && size > tracked {
		return fmt.Errorf("%s memset %d bytes exceeds buffer of %d bytes", a.kind, size, tracked)
	}
	return a.raw.Fill(p, value, size)
}

// Size reports the aligned size recorded for p.
func (a *Allocator) Size(p Ptr) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.pool[p]
	return size, ok
}

// Len reports the number of live buffers.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pool)
}

// AllocatedBytes reports the sum of aligned sizes of live buffers.
func (a *Allocator) AllocatedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}

// FreeAll releases every tracked buffer and empties the pool. It returns the
// number of buffers released. Backends call it on teardown.
func (a *Allocator) FreeAll() int {
	a.mu.Lock()
	live := a.pool
	a.pool = make(map[Ptr]uint64)
	a.bytes = 0
	a.stats.Frees += int64(len(live))
	a.mu.Unlock()

	for ptr, size := range live {
		if err := a.raw.Release(ptr); err != nil {
			a.log.Warn("raw release failed during teardown", "ptr", fmt.Sprintf("%#x", uintptr(ptr)), "size", size, "error", err)
		}
	}
	if len(live) > 0 {
		a.log.Debug("released live buffers", "count", len(live))
	}
	return len(live)
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.LiveBuffers = len(a.pool)
	s.LiveBytes = a.bytes
	return s
}
