package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "sink", ServiceInstance{Addr: "b", Weight: 1}, 10))
	require.NoError(t, reg.Register(ctx, "sink", ServiceInstance{Addr: "a", Weight: 2}, 10))

	instances, err := reg.Discover(ctx, "sink")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{{Addr: "a", Weight: 2}, {Addr: "b", Weight: 1}}, instances)

	assert.ErrorIs(t, reg.Deregister(ctx, "sink", "zzz"), ErrNotFound)
	require.NoError(t, reg.Deregister(ctx, "sink", "a"))
	instances, _ = reg.Discover(ctx, "sink")
	assert.Len(t, instances, 1)
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	updates := reg.Watch(ctx, "sink")
	assert.Empty(t, <-updates, "watch starts with the current list")

	require.NoError(t, reg.Register(ctx, "sink", ServiceInstance{Addr: "a"}, 10))
	require.NoError(t, reg.Register(ctx, "sink", ServiceInstance{Addr: "b"}, 10))
	// unread updates collapse into the latest list
	assert.Len(t, <-updates, 2)

	cancel()
	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
