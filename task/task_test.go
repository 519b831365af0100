package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStopJoin(t *testing.T) {
	h := Go(context.Background(), "loop", zaptest.NewLogger(t), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	select {
	case <-h.Done():
		t.Fatal("task exited before Stop")
	case <-time.After(20 * time.Millisecond):
	}
	h.Stop()
	assert.NoError(t, h.Join(), "cancellation is a clean exit")
	assert.Equal(t, "loop", h.Name())
}

func TestJoinReturnsError(t *testing.T) {
	boom := errors.New("boom")
	h := Go(context.Background(), "fail", nil, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, h.Join(), boom)
	assert.ErrorIs(t, h.Join(), boom, "join can be repeated")
}

func TestParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	h := Go(parent, "child", nil, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("task ignored parent cancellation")
	}
}

func TestPanicRecovered(t *testing.T) {
	h := Go(context.Background(), "panicky", zaptest.NewLogger(t), func(ctx context.Context) error {
		panic("oops")
	})
	err := h.Join()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestStopAndJoinSkipsNil(t *testing.T) {
	h := Go(context.Background(), "a", nil, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	StopAndJoin(nil, h, nil)
	select {
	case <-h.Done():
	default:
		t.Fatal("handle not joined")
	}
}
