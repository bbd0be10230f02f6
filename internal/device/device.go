// Package device defines the capability set the serving core needs from an
// accelerator: two allocators, a compute stream, status telemetry, data
// movement and the batched forward-pass entry point.
//
// One implementation exists per backend kind (see internal/device/cpu and
// internal/device/cuda); callers select one through internal/backend and
// never inspect the concrete type.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/strata/internal/alloc"
)

var (
	// ErrFault marks transient backend failures (stream errors, failed
	// synchronisation). The engine retries steps that fail with it.
	ErrFault = errors.New("device fault")
	// ErrNotReady is returned by operations on a backend that is closed.
	ErrNotReady = errors.New("device backend not ready")
)

// Config is owned by one backend instance and fixed at construction.
type Config struct {
	// DeviceID selects the accelerator ordinal.
	DeviceID int `yaml:"device_id"`
	// MemoryLimit caps usable device memory in bytes. Zero means the backend
	// default (all of it for real devices).
	MemoryLimit uint64 `yaml:"memory_limit"`
	// HostMemoryLimit caps pinned host memory in bytes. Zero means unbounded.
	HostMemoryLimit uint64 `yaml:"host_memory_limit"`
	// PreservedBytes is memory held back from admission for weights and
	// runtime workspace.
	PreservedBytes uint64 `yaml:"preserved_bytes"`
}

// Properties describe a backend instance. They are computed once at
// construction and never change.
type Properties struct {
	Kind        string `json:"kind"`
	ID          int    `json:"id"`
	Name        string `json:"name"`
	TotalMemory uint64 `json:"total_memory"`
	Preserved   uint64 `json:"preserved"`
}

func (p Properties) String() string {
	return fmt.Sprintf("%s:%d (%s)", p.Kind, p.ID, p.Name)
}

// MemoryStatus is a point-in-time view of one memory space.
type MemoryStatus struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Used      uint64 `json:"used"`
	Allocated uint64 `json:"allocated"`
	Preserved uint64 `json:"preserved"`
}

// Available is the memory admission may still hand out: free bytes not
// reserved as preserved.
func (m MemoryStatus) Available() uint64 {
	if m.Free <= m.Preserved {
		return 0
	}
	return m.Free - m.Preserved
}

// Capacity is the most admission could ever hand out.
func (m MemoryStatus) Capacity() uint64 {
	if m.Total <= m.Preserved {
		return 0
	}
	return m.Total - m.Preserved
}

type Status struct {
	Device MemoryStatus `json:"device"`
	Host   MemoryStatus `json:"host"`
}

// ComputeStream is the ordered queue device work is issued on.
type ComputeStream interface {
	Synchronize() error
}

// Memory is the data-movement subset a Forwarder needs.
type Memory interface {
	CopyToDevice(dst alloc.Ptr, src []byte) error
	CopyToHost(dst []byte, src alloc.Ptr) error
}

type Backend interface {
	Memory

	Properties() Properties
	Allocator() *alloc.Allocator
	HostAllocator() *alloc.Allocator
	ComputeStream() ComputeStream
	Status() (Status, error)
	Synchronize() error

	Copy(dst, src alloc.Ptr, size uint64) error
	// Transpose writes the column-major view of a rows x cols matrix of
	// elemSize-byte elements at src into dst.
	Transpose(dst, src alloc.Ptr, rows, cols, elemSize int) error

	// RunForward executes one batched pass of fwd and waits for it to
	// complete. Panics raised by fwd are returned as errors.
	RunForward(ctx context.Context, fwd Forwarder, in *ForwardInput) error

	// Close releases every buffer still held by either allocator.
	Close() error
}
