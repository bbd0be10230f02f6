package cpu

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/strata/internal/alloc"
	"github.com/samcharles93/strata/internal/device"
)

func newTestBackend(t *testing.T, limit uint64) *Backend {
	t.Helper()
	b, err := New(device.Config{MemoryLimit: limit, HostMemoryLimit: limit, PreservedBytes: 64}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestStatusTracksAllocations(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t, 1<<20)
	before, err := b.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	p, err := b.Allocator().Malloc(1000, true)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	after, err := b.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if after.Device.Used-before.Device.Used != 1024 {
		t.Fatalf("used grew by %d, want 1024", after.Device.Used-before.Device.Used)
	}
	if after.Device.Allocated != 1024 || after.Device.Preserved != 64 {
		t.Fatalf("unexpected status %+v", after.Device)
	}
	if after.Device.Free+after.Device.Used != after.Device.Total {
		t.Fatalf("free+used != total: %+v", after.Device)
	}
	b.Allocator().Free(&p)
}

func TestOutOfMemory(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t, 4096)
	if _, err := b.Allocator().Malloc(4096, false); err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	_, err := b.Allocator().Malloc(32, false)
	if !errors.Is(err, alloc.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestMemSetAndCopyRoundTrip(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t, 1<<20)
	a := b.Allocator()
	src, err := a.Malloc(64, false)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	dst, err := a.Malloc(64, true)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if err := a.MemSet(src, 7, 64); err != nil {
		t.Fatalf("MemSet: %v", err)
	}
	if err := b.Copy(dst, src, 32); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	out := make([]byte, 64)
	if err := b.CopyToHost(out, dst); err != nil {
		t.Fatalf("CopyToHost: %v", err)
	}
	for i, v := range out {
		want := byte(0)
		if i < 32 {
			want = 7
		}
		if v != want {
			t.Fatalf("out[%d] = %d, want %d", i, v, want)
		}
	}
}

func TestFreeWhileFillQueued(t *testing.T) {
	t.Parallel()
	const size = 1 << 20
	b := newTestBackend(t, 4*size)
	a := b.Allocator()
	for i := 0; i < 200; i++ {
		p, err := a.Malloc(size, true)
		if err != nil {
			t.Fatalf("Malloc %d: %v", i, err)
		}
		if err := a.MemSet(p, byte(i), size); err != nil {
			t.Fatalf("MemSet %d: %v", i, err)
		}
		a.Free(&p)
	}
	if err := b.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	st, err := b.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Device.Allocated != 0 {
		t.Fatalf("allocated = %d after frees, want 0", st.Device.Allocated)
	}
}

func TestReMallocAfterMemSet(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t, 1<<22)
	a := b.Allocator()
	p, err := a.Malloc(1<<16, false)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	for _, size := range []uint64{1 << 20, 1 << 12, 1 << 18} {
		if err := a.MemSet(p, 9, 1<<12); err != nil {
			t.Fatalf("MemSet: %v", err)
		}
		if p, err = a.ReMalloc(p, size, true); err != nil {
			t.Fatalf("ReMalloc %d: %v", size, err)
		}
	}
	out := make([]byte, 1<<12)
	if err := b.CopyToHost(out, p); err != nil {
		t.Fatalf("CopyToHost: %v", err)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %d, want zero after ReMalloc", i, v)
		}
	}
	a.Free(&p)
}

func TestTranspose(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t, 1<<20)
	a := b.Allocator()
	src, _ := a.Malloc(6*4, false)
	dst, _ := a.Malloc(6*4, true)
	in := []float32{1, 2, 3, 4, 5, 6}
	if err := b.CopyToDevice(src, device.Float32Bytes(in)); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	if err := b.Transpose(dst, src, 2, 3, 4); err != nil {
		t.Fatalf("Transpose: %v", err)
	}
	out := make([]float32, 6)
	if err := b.CopyToHost(device.Float32Bytes(out), dst); err != nil {
		t.Fatalf("CopyToHost: %v", err)
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
}

type echoForwarder struct{ panics bool }

func (echoForwarder) HiddenSize() int { return 1 }
func (echoForwarder) VocabSize() int  { return 1 }
func (f echoForwarder) Forward(_ context.Context, mem device.Memory, in *device.ForwardInput) error {
	if f.panics {
		panic("kernel fault")
	}
	ids := make([]int32, in.TotalTokens)
	if err := mem.CopyToHost(device.Int32Bytes(ids), in.Tokens); err != nil {
		return err
	}
	hidden := make([]float32, in.TotalTokens)
	for i, id := range ids {
		hidden[i] = float32(id) * 2
	}
	return mem.CopyToDevice(in.Hidden, device.Float32Bytes(hidden))
}

func TestRunForward(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t, 1<<20)
	a := b.Allocator()
	tokens, _ := a.Malloc(3*4, false)
	hidden, _ := a.Malloc(3*4, true)
	if err := b.CopyToDevice(tokens, device.Int32Bytes([]int32{1, 2, 3})); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	in := &device.ForwardInput{
		Segments:    []device.Segment{{Offset: 0, Length: 3}},
		TotalTokens: 3,
		Tokens:      tokens,
		Hidden:      hidden,
	}
	if err := b.RunForward(context.Background(), echoForwarder{}, in); err != nil {
		t.Fatalf("RunForward: %v", err)
	}
	out := make([]float32, 3)
	if err := b.CopyToHost(device.Float32Bytes(out), hidden); err != nil {
		t.Fatalf("CopyToHost: %v", err)
	}
	if out[0] != 2 || out[1] != 4 || out[2] != 6 {
		t.Fatalf("unexpected hidden %v", out)
	}

	err := b.RunForward(context.Background(), echoForwarder{panics: true}, in)
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestCloseFreesEverything(t *testing.T) {
	t.Parallel()
	b, err := New(device.Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const n = 5
	for range n {
		if _, err := b.Allocator().Malloc(100, false); err != nil {
			t.Fatalf("Malloc: %v", err)
		}
	}
	if _, err := b.HostAllocator().Malloc(10, false); err != nil {
		t.Fatalf("host Malloc: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b.Allocator().Len() != 0 || b.HostAllocator().Len() != 0 {
		t.Fatalf("pools not empty after close")
	}
	if used, _ := b.devArena.usage(); used != 0 {
		t.Fatalf("device arena still holds %d bytes", used)
	}
	if _, err := b.Status(); !errors.Is(err, device.ErrNotReady) {
		t.Fatalf("expected ErrNotReady after close, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPreservedMustFit(t *testing.T) {
	t.Parallel()
	if _, err := New(device.Config{MemoryLimit: 100, PreservedBytes: 100}, nil); err == nil {
		t.Fatal("expected error")
	}
}
