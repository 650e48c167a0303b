package policy

import (
	"math"
	"math/rand"

	"github.com/cuemby/attune/pkg/window"
)

// EpsilonGreedy explores a random action with probability epsilon and
// otherwise plays the action with the best average reward.
type EpsilonGreedy struct {
	epsilon float64
	rng     *rand.Rand
	est     estimates
}

// NewEpsilonGreedy creates an epsilon-greedy policy.
func NewEpsilonGreedy(epsilon float64, numActions int, rng *rand.Rand) *EpsilonGreedy {
	return &EpsilonGreedy{epsilon: epsilon, rng: rng, est: newEstimates(numActions)}
}

// Action picks an action. The observation is not used.
func (p *EpsilonGreedy) Action([]float64) int {
	if p.rng.Float64() < p.epsilon {
		return p.rng.Intn(len(p.est.Rewards))
	}
	return p.est.best()
}

// TrainingStep updates the average rewards.
func (p *EpsilonGreedy) TrainingStep(batch []window.Transition) (float64, bool, error) {
	loss, ok := p.est.update(batch)
	return loss, ok, nil
}

// Save writes a checkpoint.
func (p *EpsilonGreedy) Save(path string) error {
	return saveCheckpoint(path, NameEpsilonGreedy, p.est)
}

// Restore loads a checkpoint.
func (p *EpsilonGreedy) Restore(path string) error {
	return restoreCheckpoint(path, NameEpsilonGreedy, &p.est)
}

// UCB plays the action with the highest upper confidence bound. Actions
// never played are tried first, in id order.
type UCB struct {
	exploration float64
	est         estimates
}

// NewUCB creates a UCB1 policy.
func NewUCB(exploration float64, numActions int) *UCB {
	return &UCB{exploration: exploration, est: newEstimates(numActions)}
}

// Action picks an action. The observation is not used.
func (p *UCB) Action([]float64) int {
	best := 0
	bestValue := -math.MaxFloat64
	for a, avg := range p.est.Rewards {
		plays := p.est.Plays[a]
		if plays == 0 {
			return a
		}
		bonus := p.exploration * math.Sqrt(2*math.Log(float64(p.est.TotalPlays))/float64(plays))
		if v := avg + bonus; v > bestValue {
			best, bestValue = a, v
		}
	}
	return best
}

// TrainingStep updates the average rewards.
func (p *UCB) TrainingStep(batch []window.Transition) (float64, bool, error) {
	loss, ok := p.est.update(batch)
	return loss, ok, nil
}

// Save writes a checkpoint.
func (p *UCB) Save(path string) error {
	return saveCheckpoint(path, NameUCB, p.est)
}

// Restore loads a checkpoint.
func (p *UCB) Restore(path string) error {
	return restoreCheckpoint(path, NameUCB, &p.est)
}

// Random plays uniformly random actions and never learns. It is the
// baseline for comparing tuned runs.
type Random struct {
	rng *rand.Rand
	n   int
}

// NewRandom creates a random policy.
func NewRandom(numActions int, rng *rand.Rand) *Random {
	return &Random{rng: rng, n: numActions}
}

func (p *Random) Action([]float64) int {
	return p.rng.Intn(p.n)
}

func (p *Random) TrainingStep([]window.Transition) (float64, bool, error) {
	return 0, false, nil
}

func (p *Random) Save(path string) error {
	return saveCheckpoint(path, NameRandom, newEstimates(p.n))
}

func (p *Random) Restore(path string) error {
	est := newEstimates(p.n)
	return restoreCheckpoint(path, NameRandom, &est)
}
