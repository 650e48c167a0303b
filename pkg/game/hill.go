package game

import (
	"context"
	"math"
	"math/rand"

	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/window"
)

type point struct{ x, y int }

func (p point) add(q point) point { return point{p.x + q.x, p.y + q.y} }

func manhattan(p, q point) int {
	return abs(p.x-q.x) + abs(p.y-q.y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// stay, up, down, right, left
var hillMoves = []point{{0, 0}, {0, 1}, {0, -1}, {1, 0}, {-1, 0}}

// HillConfig configures the hill simulation
type HillConfig struct {
	// Board is the half-width of the square the target is placed in.
	Board    int
	Variance float64
	// StoreEvery keeps one of every StoreEvery transitions.
	StoreEvery    int
	MaxExperience int
	// MaxSteps ends the game; 0 means only reaching the target ends it.
	MaxSteps int
	Seed     int64
}

// Hill is a synthetic game for exercising a policy without a cluster. The
// player walks a grid towards a hidden target and observes noisy distance
// estimates for each of the five moves.
type Hill struct {
	cfg        HillConfig
	rng        *rand.Rand
	target     point
	position   point
	reward     float64
	steps      int
	stored     int
	experience []window.Transition
}

// NewHill places a random target that is not the origin.
func NewHill(cfg HillConfig) *Hill {
	if cfg.Board <= 0 {
		cfg.Board = 10
	}
	if cfg.StoreEvery <= 0 {
		cfg.StoreEvery = 1
	}
	if cfg.MaxExperience <= 0 {
		cfg.MaxExperience = 30000
	}

	h := &Hill{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	for h.target == (point{}) {
		h.target = point{
			x: h.rng.Intn(2*cfg.Board+1) - cfg.Board,
			y: h.rng.Intn(2*cfg.Board+1) - cfg.Board,
		}
	}
	return h
}

// Connect is a no-op.
func (h *Hill) Connect(context.Context) error {
	return nil
}

// Observe returns the estimated change in distance for every move.
func (h *Hill) Observe() (*replay.Observation, error) {
	obs := replay.NewObservation(int64(h.steps), []int64{0}, 1, len(hillMoves))
	here := manhattan(h.target, h.position)
	for i, move := range hillMoves {
		d := manhattan(h.target, h.position.add(move)) - here
		obs.Data[i] = float64(d) + math.Abs(h.rng.NormFloat64()*h.cfg.Variance)
	}
	return obs, nil
}

// PerformAction moves the player. Every move costs 2 and getting closer
// pays 1 per unit of distance.
func (h *Hill) PerformAction(_ context.Context, id int) error {
	if id < 0 || id >= len(hillMoves) {
		return ErrInvalidAction
	}
	next := h.position.add(hillMoves[id])
	h.reward = float64(manhattan(h.target, h.position) - manhattan(h.target, next) - 2)
	h.position = next
	h.steps++
	return nil
}

// CollectReward returns and clears the reward of the last move.
func (h *Hill) CollectReward() (float64, error) {
	r := h.reward
	h.reward = 0
	return r, nil
}

// CumulativeReward returns the negative distance to the target.
func (h *Hill) CumulativeReward() float64 {
	return -float64(manhattan(h.target, h.position))
}

// Store keeps every StoreEvery-th transition in a bounded buffer.
func (h *Hill) Store(t window.Transition) {
	if h.stored%h.cfg.StoreEvery == 0 {
		h.experience = append(h.experience, t)
		if len(h.experience) > h.cfg.MaxExperience {
			h.experience = h.experience[1:]
		}
	}
	h.stored++
}

// IsOver reports whether the target is reached or the step limit is hit.
func (h *Hill) IsOver() bool {
	if h.position == h.target {
		return true
	}
	return h.cfg.MaxSteps > 0 && h.steps >= h.cfg.MaxSteps
}

// Minibatch samples n stored transitions without replacement.
func (h *Hill) Minibatch(n int) ([]window.Transition, error) {
	if len(h.experience) < n {
		return nil, nil
	}
	out := make([]window.Transition, 0, n)
	for _, i := range h.rng.Perm(len(h.experience))[:n] {
		out = append(out, h.experience[i])
	}
	return out, nil
}

// NumActions returns the five moves.
func (h *Hill) NumActions() int {
	return len(hillMoves)
}

// Distance returns the distance left to the target.
func (h *Hill) Distance() int {
	return manhattan(h.target, h.position)
}
