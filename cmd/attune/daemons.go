package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/attune/pkg/agent"
	"github.com/cuemby/attune/pkg/api"
	"github.com/cuemby/attune/pkg/broker"
	"github.com/cuemby/attune/pkg/client"
	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/events"
	"github.com/cuemby/attune/pkg/game"
	"github.com/cuemby/attune/pkg/log"
	"github.com/cuemby/attune/pkg/metrics"
	"github.com/cuemby/attune/pkg/policy"
	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/tuner"
	"github.com/cuemby/attune/pkg/types"
	"github.com/cuemby/attune/pkg/window"
	"github.com/spf13/cobra"
)

const storeRowsInterval = 15 * time.Second

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func replayConfig(cfg *config.Config) replay.Config {
	return replay.Config{
		Nodes:               cfg.Cluster.Nodes,
		TicksPerObservation: cfg.Cluster.TicksPerObservation,
		FeaturesPerNode:     cfg.Cluster.FeaturesPerNode,
		MissingTolerance:    cfg.Cluster.MissingTolerance,
	}
}

// startHealthServer serves the HTTP surface when addr is set. The returned
// func shuts it down.
func startHealthServer(addr string, status api.StatusFunc) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	hs := api.NewHealthServer(Version, status)
	if err := hs.Start(addr); err != nil {
		return nil, err
	}
	log.Logger.Info().Str("addr", hs.Addr()).Msg("Health server listening")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}, nil
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the broker",
	Long: `Run the broker every agent connects to. It stores samples in the
replay store, rebroadcasts published actions and answers status queries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cleanup, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		bcfg, err := broker.ConfigFrom(cfg)
		if err != nil {
			return err
		}
		bus := events.NewBus()
		bus.Start()
		defer bus.Stop()
		bcfg.Events = bus
		go logEvents(bus.Subscribe(events.EventNodeConnected, events.EventNodeLost, events.EventSampleRejected))

		b, err := broker.New(bcfg)
		if err != nil {
			return err
		}

		metrics.SetCriticalComponents(broker.ComponentName)
		stopHTTP, err := startHealthServer(cfg.Broker.HTTPAddr, b.Health)
		if err != nil {
			return err
		}
		defer stopHTTP()

		ctx, cancel := signalContext()
		defer cancel()

		// Row counts are polled through a separate reader so the broker
		// keeps its store to itself.
		go func() {
			select {
			case <-b.Ready():
			case <-ctx.Done():
				return
			}
			reader, err := replay.Open(cfg.Storage.Backend, cfg.Storage.Path, replayConfig(cfg))
			if err != nil {
				log.Logger.Warn().Err(err).Msg("Store metrics disabled")
				return
			}
			defer reader.Close()
			collector := metrics.NewCollector(reader, storeRowsInterval)
			collector.Start()
			defer collector.Stop()
			<-ctx.Done()
		}()

		return b.Start(ctx)
	},
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		logger.Info().
			Str("event", string(ev.Type)).
			Int64("node", ev.Node).
			Str("message", ev.Message).
			Msg("Cluster event")
	}
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the per-node agent",
	Long: `Run the agent on a cluster node. It samples the configured collect
files once per tick, sends them to the broker and writes received CPV
values to the configured control files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if id, _ := cmd.Flags().GetInt64("node-id"); id >= 0 {
			cfg.Agent.NodeID = id
		}
		cleanup, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		acfg, err := agent.ConfigFrom(cfg)
		if err != nil {
			return err
		}
		a, err := agent.New(acfg)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		return a.Start(ctx)
	},
}

var tunerCmd = &cobra.Command{
	Use:   "tuner",
	Short: "Run the decision loop",
	Long: `Run the tuner. With game "cluster" it observes the replay store and
publishes actions through the broker. With game "hill" it plays a synthetic
game, which is useful for checking a policy without a cluster.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cleanup, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		g, closeGame, err := newGame(cfg)
		if err != nil {
			return err
		}
		defer closeGame()

		p, err := policy.New(cfg.Tuner, g.NumActions())
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}

		ctx, cancel := signalContext()
		defer cancel()
		return tuner.New(g, p, tuner.ConfigFrom(cfg.Tuner)).Run(ctx)
	},
}

// newGame composes the game named by tuner.game.
func newGame(cfg *config.Config) (game.Game, func(), error) {
	switch cfg.Tuner.Game {
	case "hill":
		return game.NewHill(game.HillConfig{MaxSteps: cfg.Tuner.MaxSteps, Seed: cfg.Tuner.Seed}), func() {}, nil

	case "cluster":
		db, err := replay.Open(cfg.Storage.Backend, cfg.Storage.Path, replayConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		ccfg, err := client.ConfigFrom(cfg)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		pub := client.New(ccfg)
		publish := func(ctx context.Context, action types.Action) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return pub.PublishAction(ctx, action)
		}

		cache := window.New(db, cfg.Reward, cfg.Tuner.Seed)
		g := game.NewCluster(cache, game.NewControls(cfg.CPVs), publish)
		return g, func() { db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown game %q", config.ErrInvalidConfig, cfg.Tuner.Game)
	}
}

func init() {
	agentCmd.Flags().Int64("node-id", -1, "Override agent.node_id")
}
