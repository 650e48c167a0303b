package game

import (
	"context"
	"errors"

	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/window"
)

// ErrInvalidAction is returned for an action id outside [0, NumActions).
var ErrInvalidAction = errors.New("invalid action")

// Game is the environment a tuner plays against. Implementations are chosen
// when the tuner is composed.
type Game interface {
	// Connect prepares the game. It is called once before the first step.
	Connect(ctx context.Context) error
	// Observe returns the current observation. It fails with
	// replay.ErrNotEnoughData until enough history exists.
	Observe() (*replay.Observation, error)
	PerformAction(ctx context.Context, id int) error
	// CollectReward returns the reward of the last step.
	CollectReward() (float64, error)
	CumulativeReward() float64
	Store(t window.Transition)
	IsOver() bool
	// Minibatch returns up to n training transitions, or nil when the game
	// has too little experience.
	Minibatch(n int) ([]window.Transition, error)
	NumActions() int
}
