package game

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/storage"
	"github.com/cuemby/attune/pkg/types"
	"github.com/cuemby/attune/pkg/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Game = (*Cluster)(nil)
	_ Game = (*Hill)(nil)
)

var testCPVs = []types.CPV{
	{Name: "mrif", Initial: 8, Min: 1, Max: 10, Step: 1},
	{Name: "other_cpv", Initial: 12345, Min: 11000, Max: 22345, Step: 1000},
}

// TestControlsApply tests the action sequence over two CPVs
func TestControlsApply(t *testing.T) {
	c := NewControls(testCPVs)
	assert.Equal(t, 5, c.NumActions())

	steps := []struct {
		action  int
		changed bool
		want    []float64
	}{
		{0, false, []float64{8, 12345}},
		{0, false, []float64{8, 12345}},
		{1, true, []float64{9, 12345}},
		{1, true, []float64{10, 12345}},
		{1, false, []float64{10, 12345}},
		{2, true, []float64{9, 12345}},
		{4, true, []float64{9, 11345}},
		{4, false, []float64{9, 11345}},
		{3, true, []float64{9, 12345}},
	}

	for i, s := range steps {
		assert.Equal(t, s.changed, c.Apply(s.action), "step %d", i)
		assert.Equal(t, s.want, c.Values(), "step %d", i)
	}

	assert.False(t, c.Apply(5), "out of range")
	assert.False(t, c.Apply(-1), "negative")
}

// TestControlsValuesCopy tests that Values does not alias state
func TestControlsValuesCopy(t *testing.T) {
	c := NewControls(testCPVs)
	v := c.Values()
	v[0] = 100
	assert.Equal(t, 8.0, c.Values()[0])
}

func newTestCluster(t *testing.T, publish PublishFunc) (*Cluster, *replay.DB) {
	t.Helper()
	db, err := replay.Open(storage.BackendSQLite, filepath.Join(t.TempDir(), "replay.db"), replay.Config{
		Nodes:               []types.Node{{ID: 1, Role: types.NodeRoleClient}},
		TicksPerObservation: 2,
		FeaturesPerNode:     2,
		MissingTolerance:    0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cache := window.New(db, config.RewardConfig{
		DevicesPerNode: 1,
		DeviceStride:   2,
		ReadField:      0,
		WriteField:     1,
		MaxThroughput:  1000,
	}, 1)
	return NewCluster(cache, NewControls(testCPVs), publish), db
}

// TestClusterPerformAction tests publishing of applied actions
func TestClusterPerformAction(t *testing.T) {
	var published []types.Action
	g, _ := newTestCluster(t, func(_ context.Context, a types.Action) error {
		published = append(published, a)
		return nil
	})
	ctx := context.Background()

	require.NoError(t, g.PerformAction(ctx, 1))
	require.NoError(t, g.PerformAction(ctx, 0))
	err := g.PerformAction(ctx, 5)
	assert.ErrorIs(t, err, ErrInvalidAction)

	require.Len(t, published, 2)
	assert.Equal(t, types.Action{ID: 1, Values: []float64{9, 12345}}, published[0])
	assert.Equal(t, types.Action{ID: 0, Values: []float64{9, 12345}}, published[1])
	assert.Equal(t, []float64{9, 12345}, g.Values())
}

// TestClusterPublishError tests that publish failures surface
func TestClusterPublishError(t *testing.T) {
	g, _ := newTestCluster(t, func(context.Context, types.Action) error {
		return errors.New("broker down")
	})
	err := g.PerformAction(context.Background(), 2)
	assert.Error(t, err)
}

// TestClusterObserve tests observation and rewards through the cache
func TestClusterObserve(t *testing.T) {
	g, db := newTestCluster(t, func(context.Context, types.Action) error { return nil })
	require.NoError(t, g.Connect(context.Background()))

	_, err := g.Observe()
	assert.ErrorIs(t, err, replay.ErrNotEnoughData)
	assert.Equal(t, 0.0, g.CumulativeReward())

	for ts := int64(1); ts <= 3; ts++ {
		_, err := db.InsertSample(1, ts, []float64{float64(ts), 10})
		require.NoError(t, err)
	}

	obs, err := g.Observe()
	require.NoError(t, err)
	assert.Equal(t, int64(3), obs.TS)
	assert.Equal(t, []float64{2, 10, 3, 10}, obs.Vector())
	assert.Equal(t, 13.0, g.CumulativeReward())

	r, err := g.CollectReward()
	require.NoError(t, err)
	assert.Equal(t, 1.0, r)

	batch, err := g.Minibatch(4)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
	assert.False(t, g.IsOver())
	assert.Equal(t, 5, g.NumActions())
}

// TestHillDynamics tests movement, reward and termination
func TestHillDynamics(t *testing.T) {
	h := NewHill(HillConfig{Board: 3, Seed: 7})
	ctx := context.Background()
	require.NoError(t, h.Connect(ctx))
	require.NotZero(t, h.Distance())

	start := h.Distance()
	assert.Equal(t, -float64(start), h.CumulativeReward())

	// Standing still costs 2
	require.NoError(t, h.PerformAction(ctx, 0))
	r, err := h.CollectReward()
	require.NoError(t, err)
	assert.Equal(t, -2.0, r)

	r, err = h.CollectReward()
	require.NoError(t, err)
	assert.Equal(t, 0.0, r, "reward is cleared once collected")

	// Greedy walk on the true distances reaches the target
	for i := 0; i < 20 && !h.IsOver(); i++ {
		best, bestD := 0, h.Distance()
		for a, m := range hillMoves {
			if d := manhattan(h.target, h.position.add(m)); d < bestD {
				best, bestD = a, d
			}
		}
		require.NoError(t, h.PerformAction(ctx, best))
		r, _ := h.CollectReward()
		assert.Equal(t, -1.0, r, "a closer step pays 1 and costs 2")
	}
	assert.True(t, h.IsOver())
	assert.Equal(t, 0, h.Distance())

	assert.ErrorIs(t, h.PerformAction(ctx, 5), ErrInvalidAction)
}

// TestHillObserve tests observation shape and noise sign
func TestHillObserve(t *testing.T) {
	h := NewHill(HillConfig{Board: 5, Variance: 0, Seed: 3})
	obs, err := h.Observe()
	require.NoError(t, err)
	require.Len(t, obs.Vector(), 5)
	assert.Equal(t, 0.0, obs.Vector()[0], "staying put does not change distance")
	for _, v := range obs.Vector()[1:] {
		assert.Contains(t, []float64{-1, 1}, v)
	}
}

// TestHillExperience tests the bounded experience buffer
func TestHillExperience(t *testing.T) {
	h := NewHill(HillConfig{StoreEvery: 2, MaxExperience: 3, MaxSteps: 1, Seed: 1})

	batch, err := h.Minibatch(1)
	require.NoError(t, err)
	assert.Nil(t, batch)

	for i := 0; i < 10; i++ {
		h.Store(window.Transition{TS: int64(i)})
	}
	// Stored: 0, 2, 4, 6, 8; buffer keeps the newest three
	require.Len(t, h.experience, 3)
	assert.Equal(t, int64(4), h.experience[0].TS)

	batch, err = h.Minibatch(3)
	require.NoError(t, err)
	assert.Len(t, batch, 3)

	_, err = h.Minibatch(4)
	require.NoError(t, err)

	require.NoError(t, h.PerformAction(context.Background(), 0))
	assert.True(t, h.IsOver(), "step limit reached")
}
