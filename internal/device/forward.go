package device

import (
	"context"
	"fmt"

	"github.com/samcharles93/strata/internal/alloc"
)

// Segment locates one request inside the flattened token buffer.
type Segment struct {
	Offset int
	Length int
}

// ForwardInput describes one batched pass. Buffers are device pointers owned
// by the caller for the duration of the pass.
type ForwardInput struct {
	Segments    []Segment
	TotalTokens int

	// Tokens holds TotalTokens int32 ids.
	Tokens alloc.Ptr
	// Hidden receives TotalTokens x HiddenSize float32 values when non-null.
	Hidden alloc.Ptr
	// Logits receives len(Segments) x VocabSize float32 values for the last
	// token of each segment when non-null.
	Logits alloc.Ptr
}

// Validate checks that segments tile the token buffer.
func (in *ForwardInput) Validate() error {
	if in == nil {
		return fmt.Errorf("forward input is nil")
	}
	next := 0
	for i, seg := range in.Segments {
		if seg.Offset != next || seg.Length <= 0 {
			return fmt.Errorf("segment %d: offset %d length %d does not follow %d", i, seg.Offset, seg.Length, next)
		}
		next += seg.Length
	}
	if next != in.TotalTokens {
		return fmt.Errorf("segments cover %d tokens, want %d", next, in.TotalTokens)
	}
	return nil
}

// Forwarder is the opaque model forward capability.
type Forwarder interface {
	HiddenSize() int
	VocabSize() int
	Forward(ctx context.Context, mem Memory, in *ForwardInput) error
}

// SafeForward runs fwd.Forward and converts a panic into an error.
func SafeForward(ctx context.Context, fwd Forwarder, mem Memory, in *ForwardInput) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = forwardPanicError(rec)
		}
	}()
	return fwd.Forward(ctx, mem, in)
}

func forwardPanicError(rec any) error {
	if recErr, ok := rec.(error); ok {
		return fmt.Errorf("forward pass panicked: %w", recErr)
	}
	return fmt.Errorf("forward pass panicked: %v", rec)
}
