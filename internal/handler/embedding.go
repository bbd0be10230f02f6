package handler

import (
	"context"
	"math"

	"github.com/samcharles93/strata/internal/stream"
)

type Pooling string

const (
	PoolMean Pooling = "mean"
	PoolLast Pooling = "last"
	PoolCLS  Pooling = "cls"
)

// DenseEmbedding pools each request's hidden states into one vector.
type DenseEmbedding struct {
	Pooling   Pooling
	Normalize bool
}

func (*DenseEmbedding) Name() string { return Dense }

func (d *DenseEmbedding) Forward(ctx context.Context, in *Input) ([]*stream.Vectors, error) {
	return each(ctx, in, func(i int) *stream.Vectors {
		rows := in.Rows(i)
		var vec []float32
		switch d.Pooling {
		case PoolLast:
			vec = append([]float32(nil), rows[len(rows)-1]...)
		case PoolCLS:
			vec = append([]float32(nil), rows[0]...)
		default:
			vec = meanPool(rows, in.HiddenSize)
		}
		if d.Normalize {
			normalize(vec)
		}
		return &stream.Vectors{Dense: vec}
	})
}

// SparseEmbedding weights each distinct token id by the largest rectified
// activation of its positions.
type SparseEmbedding struct {
	// Skip lists token ids that never receive a weight.
	Skip []int32
}

func (*SparseEmbedding) Name() string { return Sparse }

func (s *SparseEmbedding) Forward(ctx context.Context, in *Input) ([]*stream.Vectors, error) {
	scale := float32(1 / math.Sqrt(float64(in.HiddenSize)))
	return each(ctx, in, func(i int) *stream.Vectors {
		seg := in.Segments[i]
		weights := make(map[int32]float32)
	positions:
		for t, row := range in.Rows(i) {
			id := in.Tokens[seg.Offset+t]
			for _, skip := range s.Skip {
				if id == skip {
					continue positions
				}
			}
			var w float32
			for _, x := range row {
				w += x
			}
			w = max(w*scale, 0)
			if w > weights[id] {
				weights[id] = w
			}
		}
		for id, w := range weights {
			if w == 0 {
				delete(weights, id)
			}
		}
		return &stream.Vectors{Sparse: weights}
	})
}

// ColBERTEmbedding returns one L2-normalised vector per token.
type ColBERTEmbedding struct {
	// SkipFirst drops the leading (CLS) position.
	SkipFirst bool
}

func (*ColBERTEmbedding) Name() string { return ColBERT }

func (c *ColBERTEmbedding) Forward(ctx context.Context, in *Input) ([]*stream.Vectors, error) {
	return each(ctx, in, func(i int) *stream.Vectors {
		rows := in.Rows(i)
		if c.SkipFirst && len(rows) > 1 {
			rows = rows[1:]
		}
		multi := make([][]float32, len(rows))
		for t, row := range rows {
			v := append([]float32(nil), row...)
			normalize(v)
			multi[t] = v
		}
		return &stream.Vectors{Multi: multi}
	})
}
