package executor

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/device/cpu"
	"github.com/samcharles93/strata/internal/handler"
	"github.com/samcharles93/strata/internal/scheduler"
	"github.com/samcharles93/strata/internal/stream"
)

// counter predicts last+1 mod vocab and writes each token id into every
// hidden column.
type counter struct {
	vocab, hidden int
	calls         int
	fail          error
	panics        bool
}

func (c *counter) HiddenSize() int { return c.hidden }
func (c *counter) VocabSize() int  { return c.vocab }

func (c *counter) Forward(_ context.Context, mem device.Memory, in *device.ForwardInput) error {
	c.calls++
	if c.panics {
		panic("kernel exploded")
	}
	if c.fail != nil {
		return c.fail
	}
	ids := make([]int32, in.TotalTokens)
	if err := mem.CopyToHost(device.Int32Bytes(ids), in.Tokens); err != nil {
		return err
	}
	if in.Hidden != 0 {
		hidden := make([]float32, in.TotalTokens*c.hidden)
		for t, id := range ids {
			for j := range c.hidden {
				hidden[t*c.hidden+j] = float32(id)
			}
		}
		if err := mem.CopyToDevice(in.Hidden, device.Float32Bytes(hidden)); err != nil {
			return err
		}
	}
	if in.Logits != 0 {
		logits := make([]float32, len(in.Segments)*c.vocab)
		for i, seg := range in.Segments {
			last := ids[seg.Offset+seg.Length-1]
			logits[i*c.vocab+int(last+1)%c.vocab] = 10
		}
		if err := mem.CopyToDevice(in.Logits, device.Float32Bytes(logits)); err != nil {
			return err
		}
	}
	return nil
}

func newBackend(t *testing.T) *cpu.Backend {
	t.Helper()
	b, err := cpu.New(device.Config{MemoryLimit: 1 << 20, HostMemoryLimit: 1 << 20}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func scheduled(t *testing.T, id string, kind stream.Kind, input []int32, gen stream.GenerateConfig) *stream.Stream {
	t.Helper()
	st := stream.New(id, kind, input, gen)
	require.True(t, st.MarkScheduled())
	return st
}

func greedy(maxNew int, stops ...[]int32) stream.GenerateConfig {
	return stream.GenerateConfig{MaxNewTokens: maxNew, Temperature: 0, TopK: 1, TopP: 1, RepetitionPenalty: 1, StopWords: stops}
}

func drain(t *testing.T, st *stream.Stream) []stream.Output {
	t.Helper()
	var outs []stream.Output
	for {
		out, err := st.NextOutput(context.Background())
		if errors.Is(err, io.EOF) {
			return outs
		}
		require.NoError(t, err)
		outs = append(outs, out)
	}
}

func TestEmbeddingBatch(t *testing.T) {
	t.Parallel()
	dev := newBackend(t)
	fwd := &counter{vocab: 16, hidden: 4}
	ex := New(dev, fwd, &handler.DenseEmbedding{Pooling: handler.PoolLast}, nil)
	t.Cleanup(ex.Close)

	a := scheduled(t, "a", stream.Embedding, []int32{1, 2, 3}, stream.GenerateConfig{})
	b := scheduled(t, "b", stream.Embedding, []int32{7}, stream.GenerateConfig{})
	require.NoError(t, ex.Process(context.Background(), &scheduler.Batch{Streams: []*stream.Stream{a, b}}))

	outs := drain(t, a)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Finished)
	assert.Equal(t, stream.ReasonStop, outs[0].Reason)
	assert.Equal(t, []float32{3, 3, 3, 3}, outs[0].Vectors.Dense)
	assert.Equal(t, []float32{7, 7, 7, 7}, drain(t, b)[0].Vectors.Dense)
	assert.Equal(t, stream.Finished, a.State())

	stats := ex.Stats()
	assert.EqualValues(t, 1, stats.Batches)
	assert.EqualValues(t, 2, stats.Streams)
	assert.EqualValues(t, 4, stats.Tokens)
}

func TestGenerationStopsAtLength(t *testing.T) {
	t.Parallel()
	dev := newBackend(t)
	ex := New(dev, &counter{vocab: 32, hidden: 2}, nil, nil)
	t.Cleanup(ex.Close)

	st := scheduled(t, "g", stream.Generation, []int32{4}, greedy(3))
	batch := &scheduler.Batch{Streams: []*stream.Stream{st}}
	for !st.Finished() {
		require.NoError(t, ex.Process(context.Background(), batch))
	}

	assert.Equal(t, []int32{5, 6, 7}, st.Generated())
	outs := drain(t, st)
	require.Len(t, outs, 3)
	assert.Equal(t, stream.ReasonLength, outs[2].Reason)
	assert.Empty(t, ex.samplers)
}

func TestGenerationStopsOnStopWord(t *testing.T) {
	t.Parallel()
	dev := newBackend(t)
	ex := New(dev, &counter{vocab: 32, hidden: 2}, nil, nil)
	t.Cleanup(ex.Close)

	st := scheduled(t, "g", stream.Generation, []int32{1}, greedy(10, []int32{3, 4}))
	batch := &scheduler.Batch{Streams: []*stream.Stream{st}}
	for i := 0; i < 10 && !st.Finished(); i++ {
		require.NoError(t, ex.Process(context.Background(), batch))
	}
	assert.Equal(t, []int32{2, 3, 4}, st.Generated())
	outs := drain(t, st)
	assert.Equal(t, stream.ReasonStop, outs[len(outs)-1].Reason)
}

func TestMixedBatch(t *testing.T) {
	t.Parallel()
	dev := newBackend(t)
	ex := New(dev, &counter{vocab: 8, hidden: 2}, &handler.DenseEmbedding{Pooling: handler.PoolMean}, nil)
	t.Cleanup(ex.Close)

	g := scheduled(t, "g", stream.Generation, []int32{6}, greedy(4))
	e := scheduled(t, "e", stream.Embedding, []int32{2, 4}, stream.GenerateConfig{})
	require.NoError(t, ex.Process(context.Background(), &scheduler.Batch{Streams: []*stream.Stream{g, e}}))

	assert.Equal(t, []int32{7}, g.Generated())
	assert.Equal(t, stream.Running, g.State())
	assert.Equal(t, []float32{3, 3}, drain(t, e)[0].Vectors.Dense)
}

func TestSkipsStreamsThatAreNoLongerLive(t *testing.T) {
	t.Parallel()
	dev := newBackend(t)
	fwd := &counter{vocab: 8, hidden: 2}
	ex := New(dev, fwd, nil, nil)
	t.Cleanup(ex.Close)

	st := scheduled(t, "c", stream.Embedding, []int32{1}, stream.GenerateConfig{})
	st.Cancel()
	require.NoError(t, ex.Process(context.Background(), &scheduler.Batch{Streams: []*stream.Stream{st}}))
	assert.Zero(t, fwd.calls)
	assert.Equal(t, stream.Cancelled, st.State())
}

func TestForwardFailureErrorsWholeBatch(t *testing.T) {
	t.Parallel()
	dev := newBackend(t)
	fwd := &counter{vocab: 8, hidden: 2, fail: errors.New("out of registers")}
	ex := New(dev, fwd, nil, nil)
	t.Cleanup(ex.Close)

	a := scheduled(t, "a", stream.Embedding, []int32{1}, stream.GenerateConfig{})
	b := scheduled(t, "b", stream.Generation, []int32{2}, greedy(4))
	err := ex.Process(context.Background(), &scheduler.Batch{Streams: []*stream.Stream{a, b}})

	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 2, be.Streams)
	for _, st := range []*stream.Stream{a, b} {
		assert.Equal(t, stream.Errored, st.State())
		_, err := st.NextOutput(context.Background())
		var se *stream.Error
		require.ErrorAs(t, err, &se)
		assert.Contains(t, se.Message, "out of registers")
	}
	assert.EqualValues(t, 1, ex.Stats().FailedBatches)
	assert.Zero(t, dev.Allocator().Len(), "buffers are released after a failure")
}

func TestForwardPanicIsContained(t *testing.T) {
	t.Parallel()
	dev := newBackend(t)
	ex := New(dev, &counter{vocab: 8, hidden: 2, panics: true}, nil, nil)
	t.Cleanup(ex.Close)

	st := scheduled(t, "p", stream.Embedding, []int32{1}, stream.GenerateConfig{})
	err := ex.Process(context.Background(), &scheduler.Batch{Streams: []*stream.Stream{st}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel exploded")
	assert.Equal(t, stream.Errored, st.State())
}

func TestAllocationFailureIsOpaque(t *testing.T) {
	t.Parallel()
	dev, err := cpu.New(device.Config{MemoryLimit: 64, HostMemoryLimit: 1 << 20}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	ex := New(dev, &counter{vocab: 8, hidden: 64}, nil, nil)
	t.Cleanup(ex.Close)

	st := scheduled(t, "big", stream.Embedding, make([]int32, 8), stream.GenerateConfig{})
	require.Error(t, ex.Process(context.Background(), &scheduler.Batch{Streams: []*stream.Stream{st}}))
	_, err = st.NextOutput(context.Background())
	var se *stream.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "internal error", se.Message)
}

func TestBuffersAreRecycled(t *testing.T) {
	t.Parallel()
	dev := newBackend(t)
	ex := New(dev, &counter{vocab: 8, hidden: 2}, nil, nil)

	for i := range 3 {
		st := scheduled(t, "s", stream.Embedding, []int32{int32(i)}, stream.GenerateConfig{})
		require.NoError(t, ex.Process(context.Background(), &scheduler.Batch{Streams: []*stream.Stream{st}}))
	}
	assert.Equal(t, 2, dev.Allocator().Len(), "token and hidden buffers")
	assert.Equal(t, 1, dev.HostAllocator().Len())
	assert.Positive(t, dev.Allocator().Stats().Reuses)

	ex.Close()
	assert.Zero(t, dev.Allocator().Len())
	assert.Zero(t, dev.HostAllocator().Len())
}
