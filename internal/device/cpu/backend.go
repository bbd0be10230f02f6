// Package cpu is the reference device backend. Device and pinned host memory
// are anonymous mappings in the process and device work runs in order on a
// single stream goroutine, so the serving core behaves the same way it does
// against an accelerator.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/strata/internal/alloc"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
)

const (
	Kind = "cpu"

	DefaultMemoryLimit     = 2 << 30
	DefaultHostMemoryLimit = 1 << 30

	streamDepth = 256
)

type Backend struct {
	props  device.Properties
	cfg    device.Config
	log    logger.Logger
	stream *computeStream

	devArena  *arena
	hostArena *arena
	devAlloc  *alloc.Allocator
	hostAlloc *alloc.Allocator

	// submit orders lookups and queued ops against releases.
	submit sync.Mutex

	closed atomic.Bool
}

var _ device.Backend = (*Backend)(nil)

// New creates a backend with the memory limits in cfg.
func New(cfg device.Config, log logger.Logger) (*Backend, error) {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	if cfg.HostMemoryLimit == 0 {
		cfg.HostMemoryLimit = DefaultHostMemoryLimit
	}
	if cfg.PreservedBytes >= cfg.MemoryLimit {
		return nil, fmt.Errorf("preserved bytes %d must be below memory limit %d", cfg.PreservedBytes, cfg.MemoryLimit)
	}

	log = log.With("backend", Kind, "device", cfg.DeviceID)
	b := &Backend{
		cfg:    cfg,
		log:    log,
		stream: newComputeStream(streamDepth),
		props: device.Properties{
			Kind:        Kind,
			ID:          cfg.DeviceID,
			Name:        "host-simulated",
			TotalMemory: cfg.MemoryLimit,
			Preserved:   cfg.PreservedBytes,
		},
	}
	b.devArena = newArena("device", cfg.MemoryLimit, b.stream, &b.submit)
	b.hostArena = newArena("host", cfg.HostMemoryLimit, b.stream, &b.submit)
	b.devAlloc = alloc.New(alloc.Device, b.devArena, log)
	b.hostAlloc = alloc.New(alloc.Host, b.hostArena, log)
	return b, nil
}

func (b *Backend) Properties() device.Properties { return b.props }

func (b *Backend) Allocator() *alloc.Allocator { return b.devAlloc }

func (b *Backend) HostAllocator() *alloc.Allocator { return b.hostAlloc }

func (b *Backend) ComputeStream() device.ComputeStream { return b.stream }

func (b *Backend) Status() (device.Status, error) {
	if b.closed.Load() {
		return device.Status{}, device.ErrNotReady
	}
	devUsed, devLimit := b.devArena.usage()
	hostUsed, hostLimit := b.hostArena.usage()
	return device.Status{
		Device: device.MemoryStatus{
			Total:     devLimit,
			Free:      devLimit - devUsed,
			Used:      devUsed,
			Allocated: b.devAlloc.AllocatedBytes(),
			Preserved: b.cfg.PreservedBytes,
		},
		Host: device.MemoryStatus{
			Total:     hostLimit,
			Free:      hostLimit - hostUsed,
			Used:      hostUsed,
			Allocated: b.hostAlloc.AllocatedBytes(),
		},
	}, nil
}

func (b *Backend) Synchronize() error {
	if b.closed.Load() {
		return device.ErrNotReady
	}
	if err := b.stream.Synchronize(); err != nil {
		return fmt.Errorf("%w: %v", device.ErrFault, err)
	}
	return nil
}

func (b *Backend) lookup(p alloc.Ptr, size uint64) ([]byte, error) {
	if region, err := b.devArena.region(p, size); err == nil {
		return region, nil
	}
	return b.hostArena.region(p, size)
}

func (b *Backend) CopyToDevice(dst alloc.Ptr, src []byte) error {
	b.submit.Lock()
	defer b.submit.Unlock()
	if err := b.Synchronize(); err != nil {
		return err
	}
	region, err := b.lookup(dst, uint64(len(src)))
	if err != nil {
		return fmt.Errorf("copy to device: %w", err)
	}
	copy(region, src)
	return nil
}

func (b *Backend) CopyToHost(dst []byte, src alloc.Ptr) error {
	b.submit.Lock()
	defer b.submit.Unlock()
	if err := b.Synchronize(); err != nil {
		return err
	}
	region, err := b.lookup(src, uint64(len(dst)))
	if err != nil {
		return fmt.Errorf("copy to host: %w", err)
	}
	copy(dst, region)
	return nil
}

func (b *Backend) Copy(dst, src alloc.Ptr, size uint64) error {
	if b.closed.Load() {
		return device.ErrNotReady
	}
	b.submit.Lock()
	defer b.submit.Unlock()
	to, err := b.lookup(dst, size)
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	from, err := b.lookup(src, size)
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return b.stream.enqueue(func() error {
		copy(to[:size], from[:size])
		return nil
	})
}

func (b *Backend) Transpose(dst, src alloc.Ptr, rows, cols, elemSize int) error {
	if b.closed.Load() {
		return device.ErrNotReady
	}
	if rows <= 0 || cols <= 0 || elemSize <= 0 {
		return fmt.Errorf("transpose: invalid shape %dx%d elem %d", rows, cols, elemSize)
	}
	if dst == src {
		return errors.New("transpose: in-place transpose is not supported")
	}
	size := uint64(rows * cols * elemSize)
	b.submit.Lock()
	defer b.submit.Unlock()
	to, err := b.lookup(dst, size)
	if err != nil {
		return fmt.Errorf("transpose: %w", err)
	}
	from, err := b.lookup(src, size)
	if err != nil {
		return fmt.Errorf("transpose: %w", err)
	}
	return b.stream.enqueue(func() error {
		for r := range rows {
			for c := range cols {
				s := (r*cols + c) * elemSize
				d := (c*rows + r) * elemSize
				copy(to[d:d+elemSize], from[s:s+elemSize])
			}
		}
		return nil
	})
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

// Close waits for queued work, force-frees both pools and stops the stream.
// It is safe to call more than once.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	syncErr := b.stream.Synchronize()
	freedDev := b.devAlloc.FreeAll()
	freedHost := b.hostAlloc.FreeAll()
	b.stream.stop()
	b.log.Debug("backend closed", "device_buffers", freedDev, "host_buffers", freedHost)
	return syncErr
}
