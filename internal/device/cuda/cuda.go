//go:build cuda

// Package cuda implements the device backend on the CUDA runtime. Kernels are
// not issued here: the forward pass belongs to the Forwarder, which moves
// data through the backend's Memory methods.
package cuda

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/samcharles93/strata/internal/alloc"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/device/cuda/native"
	"github.com/samcharles93/strata/internal/logger"
)

const Kind = "cuda"

type Backend struct {
	props  device.Properties
	cfg    device.Config
	log    logger.Logger
	stream native.Stream

	// Serialises runtime calls that depend on the current device.
	mu sync.Mutex

	devAlloc  *alloc.Allocator
	hostAlloc *alloc.Allocator

	closed atomic.Bool
}

var _ device.Backend = (*Backend)(nil)

func New(cfg device.Config, log logger.Logger) (*Backend, error) {
	if log == nil {
		log = logger.Discard()
	}
	count, err := native.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("cuda device count: %w", err)
	}
	if cfg.DeviceID < 0 || cfg.DeviceID >= count {
		return nil, fmt.Errorf("cuda device %d not present (%d devices)", cfg.DeviceID, count)
	}
	if err := native.SetDevice(cfg.DeviceID); err != nil {
		return nil, fmt.Errorf("cuda set device %d: %w", cfg.DeviceID, err)
	}
	_, total, err := native.MemInfo()
	if err != nil {
		return nil, fmt.Errorf("cuda mem info: %w", err)
	}
	if cfg.MemoryLimit == 0 || cfg.MemoryLimit > total {
		cfg.MemoryLimit = total
	}
	stream, err := native.NewStream()
	if err != nil {
		return nil, fmt.Errorf("cuda stream create: %w", err)
	}

	log = log.With("backend", Kind, "device", cfg.DeviceID)
	b := &Backend{
		cfg:    cfg,
		log:    log,
		stream: stream,
		props: device.Properties{
			Kind:        Kind,
			ID:          cfg.DeviceID,
			Name:        fmt.Sprintf("cuda device %d", cfg.DeviceID),
			TotalMemory: cfg.MemoryLimit,
			Preserved:   cfg.PreservedBytes,
		},
	}
	b.devAlloc = alloc.New(alloc.Device, deviceRaw{b}, log)
	b.hostAlloc = alloc.New(alloc.Host, hostRaw{b}, log)
	return b, nil
}

func ptr(p alloc.Ptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p))
}

func fault(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, device.ErrFault, err)
}

type deviceRaw struct{ b *Backend }

func (r deviceRaw) Allocate(size uint64) (alloc.Ptr, error) {
	p, err := native.Malloc(size)
	if err != nil {
		return alloc.Null, fmt.Errorf("%w: %v", alloc.ErrOutOfMemory, err)
	}
	return alloc.Ptr(uintptr(p)), nil
}

func (r deviceRaw) Release(p alloc.Ptr) error { return native.Free(ptr(p)) }

func (r deviceRaw) Fill(p alloc.Ptr, value byte, size uint64) error {
	return native.MemsetAsync(ptr(p), value, size, r.b.stream)
}

type hostRaw struct{ b *Backend }

func (r hostRaw) Allocate(size uint64) (alloc.Ptr, error) {
	if limit := r.b.cfg.HostMemoryLimit; limit > 0 && r.b.hostAlloc.AllocatedBytes()+size > limit {
		return alloc.Null, fmt.Errorf("pinned host limit %d: %w", limit, alloc.ErrOutOfMemory)
	}
	p, err := native.MallocHost(size)
	if err != nil {
		return alloc.Null, fmt.Errorf("%w: %v", alloc.ErrOutOfMemory, err)
	}
	return alloc.Ptr(uintptr(p)), nil
}

func (r hostRaw) Release(p alloc.Ptr) error { return native.FreeHost(ptr(p)) }

func (r hostRaw) Fill(p alloc.Ptr, value byte, size uint64) error {
	if err := r.b.stream.Synchronize(); err != nil {
		return err
	}
	buf := unsafe.Slice((*byte)(ptr(p)), size)
	for i := range buf {
		buf[i] = value
	}
	return nil
}

func (b *Backend) Properties() device.Properties { return b.props }

func (b *Backend) Allocator() *alloc.Allocator { return b.devAlloc }

func (b *Backend) HostAllocator() *alloc.Allocator { return b.hostAlloc }

func (b *Backend) ComputeStream() device.ComputeStream { return b.stream }

func (b *Backend) Status() (device.Status, error) {
	if b.closed.Load() {
		return device.Status{}, device.ErrNotReady
	}
	b.mu.Lock()
	free, total, err := native.MemInfo()
	b.mu.Unlock()
	if err != nil {
		return device.Status{}, fault("cuda mem info", err)
	}
	if total > b.cfg.MemoryLimit {
		// Report against the configured cap.
		hidden := total - b.cfg.MemoryLimit
		total = b.cfg.MemoryLimit
		if free > hidden {
			free -= hidden
		} else {
			free = 0
		}
	}
	host := b.hostAlloc.AllocatedBytes()
	return device.Status{
		Device: device.MemoryStatus{
			Total:     total,
			Free:      free,
			Used:      total - free,
			Allocated: b.devAlloc.AllocatedBytes(),
			Preserved: b.cfg.PreservedBytes,
		},
		Host: device.MemoryStatus{
			Total:     b.cfg.HostMemoryLimit,
			Used:      host,
			Allocated: host,
		},
	}, nil
}

func (b *Backend) Synchronize() error {
	if b.closed.Load() {
		return device.ErrNotReady
	}
	if err := b.stream.Synchronize(); err != nil {
		return fault("cuda synchronize", err)
	}
	return nil
}

func (b *Backend) CopyToDevice(dst alloc.Ptr, src []byte) error {
	if err := b.Synchronize(); err != nil {
		return err
	}
	if err := native.MemcpyH2D(ptr(dst), src); err != nil {
		return fault("cuda copy to device", err)
	}
	return nil
}

func (b *Backend) CopyToHost(dst []byte, src alloc.Ptr) error {
	if err := b.Synchronize(); err != nil {
		return err
	}
	if err := native.MemcpyD2H(dst, ptr(src)); err != nil {
		return fault("cuda copy to host", err)
	}
	return nil
}

func (b *Backend) Copy(dst, src alloc.Ptr, size uint64) error {
	if b.closed.Load() {
		return device.ErrNotReady
	}
	if err := native.MemcpyD2DAsync(ptr(dst), ptr(src), size, b.stream); err != nil {
		return fault("cuda copy", err)
	}
	return nil
}

func (b *Backend) Transpose(dst, src alloc.Ptr, rows, cols, elemSize int) error {
	if b.closed.Load() {
		return device.ErrNotReady
	}
	if rows <= 0 || cols <= 0 || elemSize <= 0 {
		return fmt.Errorf("transpose: invalid shape %dx%d elem %d", rows, cols, elemSize)
	}
	if err := native.Transpose2DAsync(ptr(dst), ptr(src), rows, cols, elemSize, b.stream); err != nil {
		return fault("cuda transpose", err)
	}
	return nil
}

func (b *Backend) RunForward(ctx context.Context, fwd device.Forwarder, in *device.ForwardInput) error {
	if b.closed.Load() {
		return device.ErrNotReady
	}
	if err := in.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := device.SafeForward(ctx, fwd, b, in); err != nil {
		return err
	}
	return b.Synchronize()
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	syncErr := b.stream.Synchronize()
	freedDev := b.devAlloc.FreeAll()
	freedHost := b.hostAlloc.FreeAll()
	destroyErr := b.stream.Destroy()
	b.log.Debug("backend closed", "device_buffers", freedDev, "host_buffers", freedHost)
	if syncErr != nil {
		return syncErr
	}
	return destroyErr
}
