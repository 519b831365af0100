package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wcf-bridge/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: "http://sink-1/hook", Weight: 10, Version: "1.0"},
	{Addr: "http://sink-2/hook", Weight: 5, Version: "1.0"},
	{Addr: "http://sink-3/hook", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		results[i] = inst.Addr
	}
	assert.Equal(t, []string{"http://sink-1/hook", "http://sink-2/hook", "http://sink-3/hook"}, results)

	// Pick again, should wrap around to first
	inst, _ := b.Pick("", testInstances)
	assert.Equal(t, results[0], inst.Addr)
}

func TestEmpty(t *testing.T) {
	for _, name := range []string{"round-robin", "weighted-random", "consistent-hash"} {
		b, err := New(name)
		require.NoError(t, err)
		_, err = b.Pick("wxid_a", nil)
		assert.ErrorIs(t, err, ErrNoInstances, name)
	}
	_, err := New("random")
	assert.Error(t, err)
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so sink-1 and sink-3 should be ~2x of sink-2
	ratio := float64(counts["http://sink-1/hook"]) / float64(counts["http://sink-2/hook"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same conversation should always map to the same sink
	inst1, err := b.Pick("123@chatroom", testInstances)
	require.NoError(t, err)
	inst2, _ := b.Pick("123@chatroom", testInstances)
	assert.Equal(t, inst1.Addr, inst2.Addr)

	// With 100 different keys and 3 nodes, we should hit at least 2
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(fmt.Sprintf("wxid_%d", i), testInstances)
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashRebuildsOnChange(t *testing.T) {
	b := NewConsistentHashBalancer()
	only := testInstances[1:2]
	inst, err := b.Pick("wxid_a", only)
	require.NoError(t, err)
	assert.Equal(t, "http://sink-2/hook", inst.Addr)

	// Order does not matter, only the set.
	reversed := []registry.ServiceInstance{testInstances[2], testInstances[1], testInstances[0]}
	a, _ := b.Pick("wxid_a", testInstances)
	c, _ := b.Pick("wxid_a", reversed)
	assert.Equal(t, a.Addr, c.Addr)
}

func TestConsistentHashReusesRing(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.Pick("wxid_a", nil)
	assert.ErrorIs(t, err, ErrNoInstances)

	want, err := b.Pick("wxid_a", testInstances)
	require.NoError(t, err)
	inst, err := b.Pick("wxid_a", nil)
	require.NoError(t, err)
	assert.Equal(t, want.Addr, inst.Addr)
}
