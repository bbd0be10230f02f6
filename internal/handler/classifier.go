package handler

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/strata/internal/stream"
)

// ClassifierHead applies a linear head to the mean-pooled hidden state and
// returns softmax scores.
type ClassifierHead struct {
	Weights []float32 // [Hidden x Labels]
	Labels  int
}

func (*ClassifierHead) Name() string { return Classifier }

func (c *ClassifierHead) Forward(ctx context.Context, in *Input) ([]*stream.Vectors, error) {
	if len(c.Weights) != in.HiddenSize*c.Labels {
		return nil, fmt.Errorf("classifier head has %d weights, want %dx%d", len(c.Weights), in.HiddenSize, c.Labels)
	}
	return each(ctx, in, func(i int) *stream.Vectors {
		pooled := meanPool(in.Rows(i), in.HiddenSize)
		scores := make([]float32, c.Labels)
		for h, x := range pooled {
			row := c.Weights[h*c.Labels : (h+1)*c.Labels]
			for l, w := range row {
				scores[l] += x * w
			}
		}
		softmax(scores)
		return &stream.Vectors{Scores: scores}
	})
}

func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		maxv = max(maxv, v)
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxv))
		x[i] = float32(e)
		sum += e
	}
	for i := range x {
		x[i] = float32(float64(x[i]) / sum)
	}
}
