package policy

import (
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchOf(pairs ...float64) []window.Transition {
	var out []window.Transition
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, window.Transition{Action: int64(pairs[i]), Reward: pairs[i+1]})
	}
	return out
}

// TestNew tests policy selection by name
func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		policy  string
		wantErr bool
	}{
		{name: "epsilon greedy", policy: NameEpsilonGreedy},
		{name: "ucb", policy: NameUCB},
		{name: "random", policy: NameRandom},
		{name: "unknown", policy: "dqn", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Tuner
			cfg.Policy = tt.policy
			p, err := New(cfg, 5)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, p)
		})
	}

	_, err := New(config.Default().Tuner, 0)
	assert.Error(t, err)
}

// TestTrainingStep tests incremental averages and the reported loss
func TestTrainingStep(t *testing.T) {
	p := NewEpsilonGreedy(0, 3, rand.New(rand.NewSource(1)))

	loss, ok, err := p.TrainingStep(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0.0, loss)

	loss, ok, err = p.TrainingStep(batchOf(1, 4, 1, 2, 0, -1, 7, 100))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 7.0, loss, 1e-9, "(16+4+1)/3, out-of-range action skipped")

	assert.Equal(t, []float64{-1, 3, 0}, p.est.Rewards)
	assert.Equal(t, []int64{1, 2, 0}, p.est.Plays)
	assert.Equal(t, int64(3), p.est.TotalPlays)

	assert.Equal(t, 1, p.Action(nil), "greedy with epsilon 0")
}

// TestEpsilonGreedyExplores tests that epsilon 1 explores every action
func TestEpsilonGreedyExplores(t *testing.T) {
	p := NewEpsilonGreedy(1, 4, rand.New(rand.NewSource(1)))
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		a := p.Action(nil)
		require.GreaterOrEqual(t, a, 0)
		require.Less(t, a, 4)
		seen[a] = true
	}
	assert.Len(t, seen, 4)
}

// TestUCBAction tests exploration of unplayed actions then exploitation
func TestUCBAction(t *testing.T) {
	p := NewUCB(1, 3)
	assert.Equal(t, 0, p.Action(nil))

	_, _, err := p.TrainingStep(batchOf(0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Action(nil), "next unplayed action")

	_, _, err = p.TrainingStep(batchOf(1, 5, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Action(nil), "equal bonus, best average wins")
}

// TestRandom tests the baseline policy
func TestRandom(t *testing.T) {
	p := NewRandom(3, rand.New(rand.NewSource(2)))
	for i := 0; i < 50; i++ {
		a := p.Action(nil)
		assert.True(t, a >= 0 && a < 3)
	}
	_, ok, err := p.TrainingStep(batchOf(0, 1))
	require.NoError(t, err)
	assert.False(t, ok)

	path := filepath.Join(t.TempDir(), "random.cbor")
	require.NoError(t, p.Save(path))
	require.NoError(t, p.Restore(path))
}

// TestCheckpointRoundTrip tests save and restore of learned estimates
func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt", "policy.cbor")

	p := NewUCB(2, 3)
	_, _, err := p.TrainingStep(batchOf(0, 1.5, 2, -3, 2, 1))
	require.NoError(t, err)
	require.NoError(t, p.Save(path))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file is renamed away")

	restored := NewUCB(2, 3)
	require.NoError(t, restored.Restore(path))
	assert.Equal(t, p.est, restored.est)
}

// TestCheckpointErrors tests rejected checkpoints
func TestCheckpointErrors(t *testing.T) {
	dir := t.TempDir()

	err := NewUCB(1, 3).Restore(filepath.Join(dir, "missing.cbor"))
	assert.ErrorIs(t, err, fs.ErrNotExist)

	ucbPath := filepath.Join(dir, "ucb.cbor")
	require.NoError(t, NewUCB(1, 3).Save(ucbPath))

	err = NewEpsilonGreedy(0.1, 3, rand.New(rand.NewSource(1))).Restore(ucbPath)
	assert.ErrorIs(t, err, ErrCheckpoint, "written by another policy")

	err = NewUCB(1, 5).Restore(ucbPath)
	assert.ErrorIs(t, err, ErrCheckpoint, "different action count")

	garbage := filepath.Join(dir, "garbage.cbor")
	require.NoError(t, os.WriteFile(garbage, []byte{0xff, 0x00}, 0644))
	err = NewUCB(1, 3).Restore(garbage)
	assert.ErrorIs(t, err, ErrCheckpoint)
}
