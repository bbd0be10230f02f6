// Package handler post-processes raw forward-pass output into per-request
// results. Handlers receive a private host copy of the batch's hidden states
// and must not retain it.
package handler

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/stream"
)

const (
	Dense      = "dense"
	Sparse     = "sparse"
	ColBERT    = "colbert"
	Classifier = "classifier"
)

// Kinds lists the handler names New accepts.
func Kinds() []string { return []string{Dense, Sparse, ColBERT, Classifier} }

// Input is one batch's forward output in host memory.
type Input struct {
	Segments   []device.Segment
	Tokens     []int32
	Hidden     []float32
	HiddenSize int
}

// Rows returns the hidden states of segment i.
func (in *Input) Rows(i int) [][]float32 {
	seg := in.Segments[i]
	rows := make([][]float32, seg.Length)
	for t := range rows {
		pos := seg.Offset + t
		rows[t] = in.Hidden[pos*in.HiddenSize : (pos+1)*in.HiddenSize]
	}
	return rows
}

type Handler interface {
	Name() string
	// Forward returns one result per segment, in segment order.
	Forward(ctx context.Context, in *Input) ([]*stream.Vectors, error)
}

// New builds the named handler. The classifier reads its head from m.
func New(name string, m *model.Model) (Handler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Dense:
		return &DenseEmbedding{Pooling: PoolMean, Normalize: true}, nil
	case Sparse:
		return &SparseEmbedding{}, nil
	case ColBERT:
		return &ColBERTEmbedding{}, nil
	case Classifier:
		if m == nil || m.Config().Labels == 0 {
			return nil, fmt.Errorf("classifier handler needs a model with a classification head")
		}
		return &ClassifierHead{Weights: m.Classifier, Labels: m.Config().Labels}, nil
	default:
		return nil, fmt.Errorf("unknown handler %q (expected dense, sparse, colbert, or classifier)", name)
	}
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

func meanPool(rows [][]float32, width int) []float32 {
	out := make([]float32, width)
	if len(rows) == 0 {
		return out
	}
	for _, r := range rows {
		for i, x := range r {
			out[i] += x
		}
	}
	inv := 1 / float32(len(rows))
	for i := range out {
		out[i] *= inv
	}
	return out
}

func each(ctx context.Context, in *Input, fn func(i int) *stream.Vectors) ([]*stream.Vectors, error) {
	out := make([]*stream.Vectors, len(in.Segments))
	for i := range in.Segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = fn(i)
	}
	return out, nil
}
