package policy

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/window"
)

// Names accepted by New
const (
	NameEpsilonGreedy = "epsilon_greedy"
	NameUCB           = "ucb"
	NameRandom        = "random"
)

// ErrCheckpoint is wrapped by every checkpoint load failure other than a
// missing file.
var ErrCheckpoint = errors.New("invalid checkpoint")

// Policy chooses actions from observations and learns from transitions
type Policy interface {
	// Action returns an action id in [0, numActions).
	Action(obs []float64) int
	// TrainingStep learns from a batch. ok is false when the batch taught
	// nothing, for example because it was empty.
	TrainingStep(batch []window.Transition) (loss float64, ok bool, err error)
	Save(path string) error
	// Restore loads a checkpoint written by Save. A missing file returns an
	// error satisfying errors.Is(err, fs.ErrNotExist).
	Restore(path string) error
}

// New creates the policy named by cfg.Policy.
func New(cfg config.TunerConfig, numActions int) (Policy, error) {
	if numActions < 1 {
		return nil, fmt.Errorf("policy needs at least one action, got %d", numActions)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	switch cfg.Policy {
	case NameEpsilonGreedy:
		return NewEpsilonGreedy(cfg.Epsilon, numActions, rng), nil
	case NameUCB:
		return NewUCB(cfg.Exploration, numActions), nil
	case NameRandom:
		return NewRandom(numActions, rng), nil
	default:
		return nil, fmt.Errorf("unknown policy %q", cfg.Policy)
	}
}

// estimates holds per-action incremental average rewards
type estimates struct {
	Rewards    []float64 `cbor:"1,keyasint"`
	Plays      []int64   `cbor:"2,keyasint"`
	TotalPlays int64     `cbor:"3,keyasint"`
}

func newEstimates(n int) estimates {
	return estimates{Rewards: make([]float64, n), Plays: make([]int64, n)}
}

// update folds a batch into the averages and returns the mean squared error
// of the estimates before the update.
func (e *estimates) update(batch []window.Transition) (float64, bool) {
	var loss float64
	n := 0
	for _, t := range batch {
		a := int(t.Action)
		if a < 0 || a >= len(e.Rewards) {
			continue
		}
		diff := t.Reward - e.Rewards[a]
		loss += diff * diff

		e.Plays[a]++
		e.TotalPlays++
		if e.Plays[a] == 1 {
			e.Rewards[a] = t.Reward
		} else {
			e.Rewards[a] += diff / float64(e.Plays[a])
		}
		n++
	}
	if n == 0 {
		return 0, false
	}
	return loss / float64(n), true
}

func (e *estimates) best() int {
	best := 0
	for a := range e.Rewards {
		if e.Rewards[a] > e.Rewards[best] {
			best = a
		}
	}
	return best
}
