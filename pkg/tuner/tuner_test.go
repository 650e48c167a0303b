package tuner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/game"
	"github.com/cuemby/attune/pkg/policy"
	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingGame is a two-action game that counts what the tuner does
type recordingGame struct {
	ready      int
	observed   int
	actions    []int
	stored     []window.Transition
	minibatchN []int
}

func (g *recordingGame) Connect(context.Context) error { return nil }

func (g *recordingGame) Observe() (*replay.Observation, error) {
	g.observed++
	if g.observed <= g.ready {
		return nil, replay.ErrNotEnoughData
	}
	obs := replay.NewObservation(int64(g.observed), []int64{1}, 1, 1)
	obs.Data[0] = float64(g.observed)
	return obs, nil
}

func (g *recordingGame) PerformAction(_ context.Context, id int) error {
	g.actions = append(g.actions, id)
	return nil
}

func (g *recordingGame) CollectReward() (float64, error) { return 1, nil }
func (g *recordingGame) CumulativeReward() float64      { return float64(len(g.actions)) }
func (g *recordingGame) Store(t window.Transition)      { g.stored = append(g.stored, t) }
func (g *recordingGame) IsOver() bool                   { return false }
func (g *recordingGame) NumActions() int                { return 2 }

func (g *recordingGame) Minibatch(n int) ([]window.Transition, error) {
	g.minibatchN = append(g.minibatchN, n)
	if len(g.stored) < n {
		return nil, replay.ErrNotEnoughData
	}
	return g.stored[len(g.stored)-n:], nil
}

var _ game.Game = (*recordingGame)(nil)

func fastConfig() Config {
	return Config{
		MinibatchSize:       2,
		DelayBetweenActions: time.Millisecond,
		TrainInterval:       time.Millisecond,
		EnableTuning:        true,
	}
}

// TestRunAgainstHill tests a full run against the synthetic game
func TestRunAgainstHill(t *testing.T) {
	hill := game.NewHill(game.HillConfig{Board: 10, Variance: 0.1, MaxSteps: 20, Seed: 3})

	p, err := policy.New(config.TunerConfig{Policy: policy.NameEpsilonGreedy, Epsilon: 0.2, Seed: 3}, hill.NumActions())
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.MinibatchSize = 4
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "policy.cbor")
	cfg.CheckpointEvery = 5

	tn := New(hill, p, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tn.Run(ctx))

	assert.True(t, hill.IsOver())
	assert.LessOrEqual(t, tn.Steps(), 20)
	assert.Positive(t, tn.Steps())
	if tn.Steps() >= 6 {
		assert.Positive(t, tn.TrainingSteps())
	}

	_, err = os.Stat(cfg.CheckpointPath)
	assert.NoError(t, err, "checkpoint saved on exit")

	restored, err := policy.New(config.TunerConfig{Policy: policy.NameEpsilonGreedy, Epsilon: 0.2}, hill.NumActions())
	require.NoError(t, err)
	require.NoError(t, restored.Restore(cfg.CheckpointPath))
}

// TestRunMaxSteps tests the step limit and transition bookkeeping
func TestRunMaxSteps(t *testing.T) {
	g := &recordingGame{ready: 2}
	p, err := policy.New(config.TunerConfig{Policy: policy.NameRandom, Seed: 1}, g.NumActions())
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.MaxSteps = 5
	tn := New(g, p, cfg)
	require.NoError(t, tn.Run(context.Background()))

	assert.Equal(t, 5, tn.Steps())
	require.Len(t, g.actions, 5)
	// The first two observations were not ready and produced no action.
	assert.GreaterOrEqual(t, g.observed, 7)

	require.Len(t, g.stored, 4)
	for i, tr := range g.stored {
		assert.Equal(t, int64(g.actions[i]), tr.Action)
		assert.Equal(t, tr.Observation.TS, tr.TS)
		assert.Less(t, tr.Observation.TS, tr.Next.TS)
		assert.Equal(t, 1.0, tr.Reward)
	}
	assert.Contains(t, g.minibatchN, 2)
}

// TestRunTuningDisabled tests that observation continues with action 0
func TestRunTuningDisabled(t *testing.T) {
	g := &recordingGame{}
	p, err := policy.New(config.TunerConfig{Policy: policy.NameRandom, Seed: 9}, g.NumActions())
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.EnableTuning = false
	cfg.DisableTraining = true
	cfg.MaxSteps = 10
	tn := New(g, p, cfg)
	require.NoError(t, tn.Run(context.Background()))

	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, g.actions)
	assert.Empty(t, g.minibatchN, "training disabled")
	assert.Zero(t, tn.TrainingSteps())
}

// TestRunStop tests cooperative shutdown
func TestRunStop(t *testing.T) {
	g := &recordingGame{}
	p, err := policy.New(config.TunerConfig{Policy: policy.NameRandom}, g.NumActions())
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.DelayBetweenActions = time.Hour
	tn := New(g, p, cfg)

	done := make(chan error, 1)
	go func() { done <- tn.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	tn.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tuner did not stop")
	}
	assert.Equal(t, 1, tn.Steps(), "first action is immediate")
}

// TestRunCorruptCheckpoint tests that an unreadable checkpoint is fatal
func TestRunCorruptCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.cbor")
	require.NoError(t, os.WriteFile(path, []byte("not cbor"), 0644))

	g := &recordingGame{}
	p, err := policy.New(config.TunerConfig{Policy: policy.NameEpsilonGreedy}, g.NumActions())
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.CheckpointPath = path
	err = New(g, p, cfg).Run(context.Background())
	assert.ErrorIs(t, err, policy.ErrCheckpoint)
}
