package game

import (
	"context"
	"fmt"

	"github.com/cuemby/attune/pkg/log"
	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/types"
	"github.com/cuemby/attune/pkg/window"
	"github.com/rs/zerolog"
)

// PublishFunc delivers an action to the broker for broadcast.
type PublishFunc func(ctx context.Context, action types.Action) error

// Cluster is the live game: observations come from the replay store through
// a window cache and actions are published to the broker.
type Cluster struct {
	cache    *window.Cache
	controls *Controls
	publish  PublishFunc
	logger   zerolog.Logger
}

// NewCluster creates a cluster game.
func NewCluster(cache *window.Cache, controls *Controls, publish PublishFunc) *Cluster {
	return &Cluster{
		cache:    cache,
		controls: controls,
		publish:  publish,
		logger:   log.WithComponent("game"),
	}
}

// Connect warms the cache.
func (g *Cluster) Connect(ctx context.Context) error {
	n, err := g.cache.Refresh()
	if err != nil {
		return fmt.Errorf("failed to load replay history: %w", err)
	}
	g.logger.Info().Int("rows", n).Int("ticks", g.cache.Len()).Msg("replay history loaded")
	return nil
}

// Observe refreshes the cache and returns the newest observation.
func (g *Cluster) Observe() (*replay.Observation, error) {
	if _, err := g.cache.Refresh(); err != nil {
		return nil, err
	}
	return g.cache.Observe()
}

// PerformAction applies the action to the controls and publishes the
// resulting values. Action 0 is published too so the broker logs it.
func (g *Cluster) PerformAction(ctx context.Context, id int) error {
	if id < 0 || id >= g.controls.NumActions() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidAction, id, g.controls.NumActions())
	}

	g.controls.Apply(id)
	action := types.Action{ID: int64(id), Values: g.controls.Values()}
	if err := g.publish(ctx, action); err != nil {
		return fmt.Errorf("failed to publish action %d: %w", id, err)
	}
	return nil
}

// CollectReward returns the throughput change between the two newest
// observations.
func (g *Cluster) CollectReward() (float64, error) {
	return g.cache.CollectReward()
}

// CumulativeReward returns the newest aggregate throughput, or 0.
func (g *Cluster) CumulativeReward() float64 {
	r, err := g.cache.CumulativeReward()
	if err != nil {
		g.logger.Warn().Err(err).Msg("failed to compute cumulative reward")
		return 0
	}
	return r
}

// Store is a no-op: the broker records every sample and action.
func (g *Cluster) Store(window.Transition) {}

// IsOver is always false for a live cluster.
func (g *Cluster) IsOver() bool {
	return false
}

// Minibatch samples transitions from the cache.
func (g *Cluster) Minibatch(n int) ([]window.Transition, error) {
	return g.cache.Minibatch(n)
}

// NumActions returns the size of the action space.
func (g *Cluster) NumActions() int {
	return g.controls.NumActions()
}

// Values returns the current control values.
func (g *Cluster) Values() []float64 {
	return g.controls.Values()
}
