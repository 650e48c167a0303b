package tuner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"sync"
	"time"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/game"
	"github.com/cuemby/attune/pkg/log"
	"github.com/cuemby/attune/pkg/metrics"
	"github.com/cuemby/attune/pkg/policy"
	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/window"
	"github.com/rs/zerolog"
)

// idleGCThreshold is the shortest wait worth spending a collection on.
const idleGCThreshold = time.Second

// Config holds tuner configuration
type Config struct {
	MinibatchSize       int
	DelayBetweenActions time.Duration
	TrainInterval       time.Duration
	// EnableTuning false keeps observing and logging but always performs
	// action 0.
	EnableTuning    bool
	DisableTraining bool
	CheckpointPath  string
	CheckpointEvery int
	// MaxSteps ends the run after that many actions; 0 runs until stopped
	// or the game is over.
	MaxSteps int
}

// ConfigFrom builds a tuner Config from the tuner section.
func ConfigFrom(cfg config.TunerConfig) Config {
	return Config{
		MinibatchSize:       cfg.MinibatchSize,
		DelayBetweenActions: cfg.DelayBetweenActions,
		TrainInterval:       cfg.TrainInterval,
		EnableTuning:        cfg.EnableTuning,
		DisableTraining:     cfg.DisableTraining,
		CheckpointPath:      cfg.CheckpointPath,
		CheckpointEvery:     cfg.CheckpointEvery,
		MaxSteps:            cfg.MaxSteps,
	}
}

// Tuner drives a policy against a game: it trains between actions and
// acts once per DelayBetweenActions.
type Tuner struct {
	game   game.Game
	policy policy.Policy
	cfg    Config
	logger zerolog.Logger

	steps      int
	trainSteps int
	lastObs    *replay.Observation
	lastAction int
	lastTrain  time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New composes a tuner from a game and a policy.
func New(g game.Game, p policy.Policy, cfg Config) *Tuner {
	if cfg.MinibatchSize <= 0 {
		cfg.MinibatchSize = 32
	}
	if cfg.DelayBetweenActions <= 0 {
		cfg.DelayBetweenActions = time.Second
	}
	if cfg.TrainInterval <= 0 {
		cfg.TrainInterval = 100 * time.Millisecond
	}
	return &Tuner{
		game:   g,
		policy: p,
		cfg:    cfg,
		logger: log.WithComponent("tuner"),
		stopCh: make(chan struct{}),
	}
}

// Stop asks Run to return after the current step.
func (t *Tuner) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// Steps returns the number of actions performed.
func (t *Tuner) Steps() int {
	return t.steps
}

// TrainingSteps returns the number of training steps that taught the
// policy something.
func (t *Tuner) TrainingSteps() int {
	return t.trainSteps
}

// Run restores the policy, connects the game and loops until Stop, ctx
// cancellation, MaxSteps or the end of the game. The policy is saved on
// the way out.
func (t *Tuner) Run(ctx context.Context) error {
	if err := t.restore(); err != nil {
		return err
	}
	if err := t.game.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect game: %w", err)
	}

	t.logger.Info().
		Int("actions", t.game.NumActions()).
		Bool("tuning", t.cfg.EnableTuning).
		Bool("training", !t.cfg.DisableTraining).
		Dur("delay", t.cfg.DelayBetweenActions).
		Msg("Tuner started")

	nextAction := time.Now()
	for !t.done(ctx) {
		if !t.cfg.DisableTraining && time.Since(t.lastTrain) >= t.cfg.TrainInterval {
			t.train()
		}

		if !time.Now().Before(nextAction) {
			t.act(ctx)
			nextAction = time.Now().Add(t.cfg.DelayBetweenActions)
			continue
		}

		wait := time.Until(nextAction)
		if !t.cfg.DisableTraining && wait > t.cfg.TrainInterval {
			wait = t.cfg.TrainInterval
		}
		if wait > idleGCThreshold {
			runtime.GC()
			wait = time.Until(nextAction)
		}
		t.sleep(ctx, wait)
	}

	t.save()
	t.logger.Info().
		Int("steps", t.steps).
		Int("training_steps", t.trainSteps).
		Float64("cumulative_reward", t.game.CumulativeReward()).
		Msg("Tuner stopped")
	log.Flush()
	return nil
}

func (t *Tuner) done(ctx context.Context) bool {
	select {
	case <-t.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
	}
	if t.cfg.MaxSteps > 0 && t.steps >= t.cfg.MaxSteps {
		return true
	}
	return t.game.IsOver()
}

func (t *Tuner) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-t.stopCh:
	case <-ctx.Done():
	}
}

// act observes, records the previous transition and performs the next
// action. Without an observation there is nothing to act on, so the step
// is skipped.
func (t *Tuner) act(ctx context.Context) {
	obs, err := t.game.Observe()
	if err != nil {
		if errors.Is(err, replay.ErrNotEnoughData) {
			t.logger.Debug().Err(err).Msg("No observation yet")
		} else {
			t.logger.Error().Err(err).Msg("Failed to observe")
		}
		return
	}

	reward, err := t.game.CollectReward()
	if err != nil {
		t.logger.Debug().Err(err).Msg("No reward for this step")
		reward = 0
	}

	if t.lastObs != nil {
		t.game.Store(window.Transition{
			Observation: t.lastObs,
			Action:      int64(t.lastAction),
			Reward:      reward,
			Next:        obs,
			TS:          t.lastObs.TS,
		})
	}

	action := 0
	if t.cfg.EnableTuning {
		action = t.policy.Action(obs.Vector())
	}
	if err := t.game.PerformAction(ctx, action); err != nil {
		t.logger.Error().Err(err).Int("action", action).Msg("Failed to perform action")
	}

	t.lastObs = obs
	t.lastAction = action
	t.steps++

	cumulative := t.game.CumulativeReward()
	metrics.CumulativeReward.Set(cumulative)
	t.logger.Info().
		Int("step", t.steps).
		Int("action", action).
		Float64("reward", reward).
		Float64("cumulative_reward", cumulative).
		Msg("Action performed")
	log.Flush()
}

func (t *Tuner) train() {
	t.lastTrain = time.Now()

	batch, err := t.game.Minibatch(t.cfg.MinibatchSize)
	if err != nil {
		if !errors.Is(err, replay.ErrNotEnoughData) {
			t.logger.Warn().Err(err).Msg("Failed to sample minibatch")
		}
		return
	}
	if len(batch) == 0 {
		return
	}

	loss, ok, err := t.policy.TrainingStep(batch)
	if err != nil {
		t.logger.Error().Err(err).Msg("Training step failed")
		return
	}
	if !ok {
		return
	}

	t.trainSteps++
	metrics.TrainingSteps.Inc()
	metrics.TrainingLoss.Set(loss)
	t.logger.Debug().Int("batch", len(batch)).Float64("loss", loss).Msg("Training step")

	if t.cfg.CheckpointEvery > 0 && t.trainSteps%t.cfg.CheckpointEvery == 0 {
		t.save()
	}
}

func (t *Tuner) restore() error {
	if t.cfg.CheckpointPath == "" {
		return nil
	}
	err := t.policy.Restore(t.cfg.CheckpointPath)
	switch {
	case err == nil:
		t.logger.Info().Str("path", t.cfg.CheckpointPath).Msg("Policy restored")
		return nil
	case errors.Is(err, fs.ErrNotExist):
		t.logger.Info().Str("path", t.cfg.CheckpointPath).Msg("No checkpoint, starting fresh")
		return nil
	default:
		return fmt.Errorf("failed to restore policy: %w", err)
	}
}

func (t *Tuner) save() {
	if t.cfg.CheckpointPath == "" {
		return
	}
	if err := t.policy.Save(t.cfg.CheckpointPath); err != nil {
		t.logger.Error().Err(err).Msg("Failed to save policy checkpoint")
		return
	}
	t.logger.Debug().Str("path", t.cfg.CheckpointPath).Msg("Policy checkpoint saved")
}
