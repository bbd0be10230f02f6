package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func running(t *testing.T) *Stream {
	t.Helper()
	s := New("s1", Generation, []int32{1, 2}, GenerateConfig{MaxNewTokens: 4})
	require.True(t, s.MarkScheduled())
	require.True(t, s.MarkRunning())
	return s
}

func TestLifecycleIsMonotonic(t *testing.T) {
	t.Parallel()
	s := New("s1", Embedding, []int32{1}, GenerateConfig{})
	assert.Equal(t, Pending, s.State())
	assert.False(t, s.MarkRunning(), "pending stream cannot skip scheduling")
	assert.True(t, s.MarkScheduled())
	assert.False(t, s.MarkScheduled())
	assert.True(t, s.MarkRunning())
	assert.True(t, s.MarkRunning(), "running stays running")
	require.NoError(t, s.Finish(ReasonStop))
	assert.Equal(t, Finished, s.State())
	assert.False(t, s.MarkScheduled())
	assert.False(t, s.SetError("late"))
	assert.False(t, s.Cancel())
	assert.Equal(t, Finished, s.State())
}

func TestAppendRequiresRunning(t *testing.T) {
	t.Parallel()
	s := New("s1", Generation, nil, GenerateConfig{})
	err := s.Append(Output{Tokens: []int32{5}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrClosed)
}

func TestOutputsAreOrdered(t *testing.T) {
	t.Parallel()
	s := running(t)
	for i := range 3 {
		require.NoError(t, s.Append(Output{Tokens: []int32{int32(10 + i)}}))
	}
	require.NoError(t, s.Append(Output{Tokens: []int32{13}, Finished: true, Reason: ReasonLength}))
	assert.Equal(t, []int32{1, 2, 10, 11, 12, 13}, s.Tokens())
	assert.False(t, s.Finished(), "queued output keeps the stream readable")

	ctx := context.Background()
	for i := range 4 {
		out, err := s.NextOutput(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, out.Index)
		assert.Equal(t, []int32{int32(10 + i)}, out.Tokens)
		assert.Equal(t, i == 3, out.Finished)
	}
	_, err := s.NextOutput(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, s.Finished())
}

func TestCancelStopsOutput(t *testing.T) {
	t.Parallel()
	s := running(t)
	require.NoError(t, s.Append(Output{Tokens: []int32{7}}))
	assert.True(t, s.Cancel())
	assert.Equal(t, Cancelled, s.State())
	assert.ErrorIs(t, s.Append(Output{Tokens: []int32{8}}), ErrClosed)
	_, err := s.NextOutput(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, s.Finished())
	assert.False(t, s.Cancel())
}

func TestErroredStreamDrainsThenFails(t *testing.T) {
	t.Parallel()
	s := running(t)
	require.NoError(t, s.Append(Output{Tokens: []int32{7}}))
	assert.True(t, s.SetError("device on fire"))

	out, err := s.NextOutput(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int32{7}, out.Tokens)

	_, err = s.NextOutput(context.Background())
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "device on fire", serr.Message)
}

func TestSetErrorDefaultsMessage(t *testing.T) {
	t.Parallel()
	s := New("s", Embedding, nil, GenerateConfig{})
	s.SetError("")
	assert.EqualError(t, s.Err(), "internal error")
}

func TestNextOutputWakesOnAppend(t *testing.T) {
	t.Parallel()
	s := running(t)
	got := make(chan Output, 1)
	go func() {
		out, err := s.NextOutput(context.Background())
		if err == nil {
			got <- out
		}
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Append(Output{Tokens: []int32{42}}))
	select {
	case out := <-got:
		assert.Equal(t, []int32{42}, out.Tokens)
	case <-time.After(2 * time.Second):
		t.Fatal("NextOutput did not wake")
	}
}

func TestNextOutputWakesOnCancel(t *testing.T) {
	t.Parallel()
	s := running(t)
	errc := make(chan error, 1)
	go func() {
		_, err := s.NextOutput(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.Cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("NextOutput did not wake on cancel")
	}
}

func TestNextOutputHonoursContext(t *testing.T) {
	t.Parallel()
	s := running(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.NextOutput(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Running, s.State(), "caller timeout does not cancel the stream")
}
