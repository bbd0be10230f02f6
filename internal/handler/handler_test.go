package handler

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/model"
)

// Two segments over hidden size 2: [1 0] [3 0] | [0 -2]
func testInput() *Input {
	return &Input{
		Segments:   []device.Segment{{Offset: 0, Length: 2}, {Offset: 2, Length: 1}},
		Tokens:     []int32{5, 5, 9},
		Hidden:     []float32{1, 0, 3, 0, 0, -2},
		HiddenSize: 2,
	}
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestDensePooling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mean, err := (&DenseEmbedding{Pooling: PoolMean}).Forward(ctx, testInput())
	require.NoError(t, err)
	require.Len(t, mean, 2)
	assert.Equal(t, []float32{2, 0}, mean[0].Dense)
	assert.Equal(t, []float32{0, -2}, mean[1].Dense)

	last, err := (&DenseEmbedding{Pooling: PoolLast}).Forward(ctx, testInput())
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 0}, last[0].Dense)

	cls, err := (&DenseEmbedding{Pooling: PoolCLS, Normalize: true}).Forward(ctx, testInput())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, norm(cls[0].Dense), 1e-6)
	assert.InDelta(t, 1.0, norm(cls[1].Dense), 1e-6)
}

func TestDenseDoesNotAliasInput(t *testing.T) {
	t.Parallel()
	in := testInput()
	out, err := (&DenseEmbedding{Pooling: PoolLast, Normalize: true}).Forward(context.Background(), in)
	require.NoError(t, err)
	out[0].Dense[0] = 100
	assert.Equal(t, float32(3), in.Hidden[2])
}

func TestSparseMaxReducesPerToken(t *testing.T) {
	t.Parallel()
	out, err := (&SparseEmbedding{}).Forward(context.Background(), testInput())
	require.NoError(t, err)
	scale := float32(1 / math.Sqrt(2))
	assert.Equal(t, map[int32]float32{5: 3 * scale}, out[0].Sparse)
	assert.Empty(t, out[1].Sparse, "negative activations are rectified away")

	skipped, err := (&SparseEmbedding{Skip: []int32{5}}).Forward(context.Background(), testInput())
	require.NoError(t, err)
	assert.Empty(t, skipped[0].Sparse)
}

func TestColBERTNormalisesEachToken(t *testing.T) {
	t.Parallel()
	out, err := (&ColBERTEmbedding{}).Forward(context.Background(), testInput())
	require.NoError(t, err)
	require.Len(t, out[0].Multi, 2)
	for _, v := range out[0].Multi {
		assert.InDelta(t, 1.0, norm(v), 1e-6)
	}
	skip, err := (&ColBERTEmbedding{SkipFirst: true}).Forward(context.Background(), testInput())
	require.NoError(t, err)
	assert.Len(t, skip[0].Multi, 1)
	assert.Len(t, skip[1].Multi, 1, "single-token requests keep their only vector")
}

func TestClassifierScoresSumToOne(t *testing.T) {
	t.Parallel()
	head := &ClassifierHead{Weights: []float32{1, 0, 0, 0, 1, 0}, Labels: 3}
	out, err := head.Forward(context.Background(), testInput())
	require.NoError(t, err)
	for _, r := range out {
		var sum float32
		for _, s := range r.Scores {
			sum += s
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
	assert.Greater(t, out[0].Scores[0], out[0].Scores[1])

	_, err = (&ClassifierHead{Weights: []float32{1}, Labels: 3}).Forward(context.Background(), testInput())
	assert.Error(t, err)
}

func TestNewByName(t *testing.T) {
	t.Parallel()
	m, err := model.Random(model.Config{Vocab: 4, Hidden: 2, Labels: 2}, 1)
	require.NoError(t, err)
	for _, name := range []string{"", Dense, Sparse, ColBERT, Classifier} {
		h, err := New(name, m)
		require.NoError(t, err, name)
		if name != "" {
			assert.Equal(t, name, h.Name())
		}
	}
	noHead, err := model.Random(model.Config{Vocab: 4, Hidden: 2}, 1)
	require.NoError(t, err)
	_, err = New(Classifier, noHead)
	assert.Error(t, err)
	_, err = New("rerank", m)
	assert.Error(t, err)
}

func TestForwardHonoursContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&DenseEmbedding{}).Forward(ctx, testInput())
	assert.ErrorIs(t, err, context.Canceled)
}
