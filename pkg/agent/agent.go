package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/events"
	"github.com/cuemby/attune/pkg/log"
	"github.com/cuemby/attune/pkg/metrics"
	"github.com/cuemby/attune/pkg/protocol"
	"github.com/cuemby/attune/pkg/security"
	"github.com/cuemby/attune/pkg/transport"
	"github.com/cuemby/attune/pkg/types"
	"github.com/rs/zerolog"
)

// sendSlack lets a tick fire slightly early so scheduler jitter does not
// push it into the next one.
const sendSlack = 10 * time.Millisecond

// Config holds agent configuration
type Config struct {
	NodeID     int64
	BrokerAddr string
	Tick       time.Duration
	// CollectOffset shifts sampling into the middle of the tick. Zero
	// selects half a tick.
	CollectOffset    time.Duration
	ReconnectTimeout time.Duration
	GCIdleThreshold  time.Duration

	Collectors []Collector
	Controller Controller

	AuthToken   string
	Compression protocol.CompressionTag
	TLS         *tls.Config

	// Events receives agent activity when set.
	Events *events.Bus
}

// ConfigFrom builds an agent Config from the application configuration.
// A negative node id is resolved from the hostname. Collectors and the
// controller come from the collect and control file lists.
func ConfigFrom(cfg *config.Config) (Config, error) {
	tag, err := protocol.ParseCompressionTag(cfg.Cluster.Compression)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	nodeID := cfg.Agent.NodeID
	if nodeID < 0 {
		hostname, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("failed to read hostname: %w", err)
		}
		node, ok := types.LookupHostname(cfg.Cluster.Nodes, hostname)
		if !ok {
			return Config{}, fmt.Errorf("%w: hostname %q is not in cluster.nodes and agent.node_id is unset", config.ErrInvalidConfig, hostname)
		}
		nodeID = node.ID
	}

	var tlsCfg *tls.Config
	if cfg.Cluster.CertDir != "" {
		if tlsCfg, err = security.ClientTLSConfig(cfg.Cluster.CertDir); err != nil {
			return Config{}, err
		}
	}

	var collectors []Collector
	if len(cfg.Agent.CollectFiles) > 0 {
		collectors = append(collectors, &FileCollector{Paths: cfg.Agent.CollectFiles})
	}

	return Config{
		NodeID:           nodeID,
		BrokerAddr:       cfg.Agent.BrokerAddr,
		Tick:             cfg.Cluster.Tick,
		CollectOffset:    cfg.Agent.CollectOffset,
		ReconnectTimeout: cfg.Agent.ReconnectTimeout,
		GCIdleThreshold:  cfg.Agent.GCIdleThreshold,
		Collectors:       collectors,
		Controller:       &FileController{CPVs: cfg.CPVs, Files: cfg.Agent.ControlFiles},
		AuthToken:        cfg.Cluster.AuthToken,
		Compression:      tag,
		TLS:              tlsCfg,
	}, nil
}

// Agent samples the local node once per tick, reports to the broker and
// applies the actions the broker broadcasts. One goroutine runs Start and
// owns every field.
type Agent struct {
	cfg    Config
	codec  protocol.Codec
	logger zerolog.Logger

	dealer        *transport.Dealer
	dialing       bool
	dialed        chan dialResult
	cancelDial    context.CancelFunc
	retryAt       time.Time
	lastTick      time.Time
	lastInbound   time.Time
	lastHeartbeat time.Time
	collectedGC   bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

type dialResult struct {
	dealer *transport.Dealer
	err    error
}

// New creates an agent. It does not connect until Start.
func New(cfg Config) (*Agent, error) {
	if cfg.BrokerAddr == "" {
		return nil, fmt.Errorf("%w: broker address is required", config.ErrInvalidConfig)
	}
	if cfg.Tick <= 0 {
		return nil, fmt.Errorf("%w: tick must be positive", config.ErrInvalidConfig)
	}
	if cfg.CollectOffset <= 0 {
		cfg.CollectOffset = cfg.Tick / 2
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 5 * time.Second
	}
	if cfg.GCIdleThreshold <= 0 {
		cfg.GCIdleThreshold = 100 * time.Millisecond
	}
	if cfg.Controller == nil {
		cfg.Controller = ControllerFunc(func(types.Action) error { return nil })
	}

	return &Agent{
		cfg:    cfg,
		codec:  protocol.Codec{Compression: cfg.Compression},
		logger: log.WithNodeID(cfg.NodeID).With().Str("component", "agent").Logger(),
		dialed: make(chan dialResult, 1),
		stopCh: make(chan struct{}),
	}, nil
}

// Stop asks the loop to exit once the current iteration completes.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
}

// LastHeartbeat returns when the last heartbeat arrived. Only meaningful
// from the goroutine running Start or after it returned.
func (a *Agent) LastHeartbeat() time.Time {
	return a.lastHeartbeat
}

// Start connects to the broker and runs the tick loop until Stop is called
// or ctx is cancelled. Connectivity faults are retried, never returned.
func (a *Agent) Start(ctx context.Context) error {
	// Automatic collection could pause the loop mid-sample. It runs
	// explicitly in the idle part of each tick instead.
	previousGC := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(previousGC)

	a.logger.Info().
		Str("broker", a.cfg.BrokerAddr).
		Dur("tick", a.cfg.Tick).
		Dur("offset", a.cfg.CollectOffset).
		Int("collectors", len(a.cfg.Collectors)).
		Msg("Agent started")

	a.connect(ctx)
	defer a.shutdown()

	for {
		select {
		case <-a.stopCh:
			a.logger.Info().Msg("Agent stopped")
			log.Flush()
			return nil
		case <-ctx.Done():
			a.logger.Info().Msg("Agent stopped")
			log.Flush()
			return nil
		default:
		}

		now := time.Now()
		if a.due(now) {
			a.sample(now)
		}

		budget := a.lastTick.Add(a.cfg.CollectOffset + a.cfg.Tick).Sub(time.Now())
		if budget > a.cfg.GCIdleThreshold && !a.collectedGC {
			runtime.GC()
			a.collectedGC = true
			budget = a.lastTick.Add(a.cfg.CollectOffset + a.cfg.Tick).Sub(time.Now())
		}

		a.wait(ctx, budget)

		select {
		case res := <-a.dialed:
			a.connected(res)
		default:
		}
		if a.dialing {
			continue
		}
		if a.dealer == nil && time.Now().Before(a.retryAt) {
			continue
		}
		if a.dealer == nil || time.Since(a.lastInbound) > a.cfg.ReconnectTimeout {
			a.reconnect(ctx)
		}
	}
}

func (a *Agent) due(now time.Time) bool {
	if a.lastTick.IsZero() {
		return true
	}
	return now.Sub(a.lastTick.Add(a.cfg.CollectOffset)) >= a.cfg.Tick-sendSlack
}

// sample collects one tick and sends it. lastTick moves before collection
// so a slow collector cannot delay the next schedule.
func (a *Agent) sample(now time.Time) {
	a.lastTick = types.TickStart(now, a.cfg.Tick)
	a.collectedGC = false

	timer := metrics.NewTimer()
	payload, err := collectAll(a.cfg.Collectors)
	timer.ObserveDuration(metrics.AgentCollectDuration)
	if err != nil {
		a.logger.Error().Err(err).Msg("Collection failed, skipping tick")
		return
	}

	if a.dealer == nil {
		return
	}
	data, err := a.codec.Encode(protocol.NewData(types.UnixSeconds(now), payload))
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to encode sample")
		return
	}
	if err := a.dealer.Send(data); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to send sample")
		a.disconnect()
		return
	}
	metrics.AgentSamplesSent.Inc()
	log.Flush()
}

// wait handles inbound frames until the budget is spent.
func (a *Agent) wait(ctx context.Context, budget time.Duration) {
	if budget <= 0 {
		return
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()

	var recv <-chan []byte
	if a.dealer != nil {
		recv = a.dealer.Recv()
	}

	select {
	case data, ok := <-recv:
		if !ok {
			a.logger.Warn().Err(a.dealer.Err()).Msg("Broker stream closed")
			a.disconnect()
			return
		}
		a.lastInbound = time.Now()
		a.handle(data)
	case res := <-a.dialed:
		a.connected(res)
	case <-timer.C:
	case <-a.stopCh:
	case <-ctx.Done():
	}
}

func (a *Agent) handle(data []byte) {
	frame, err := a.codec.Decode(data)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Dropping undecodable frame")
		return
	}

	switch {
	case frame.IsCommand(protocol.CommandAction):
		action := frame.Action()
		if action.ID == 0 {
			return
		}
		if err := a.cfg.Controller.Apply(action); err != nil {
			metrics.AgentActionsApplied.WithLabelValues("error").Inc()
			a.logger.Error().Err(err).Int64("action", action.ID).Msg("Controller failed to apply action")
			return
		}
		metrics.AgentActionsApplied.WithLabelValues("ok").Inc()
		a.logger.Debug().Int64("action", action.ID).Floats64("values", action.Values).Msg("Action applied")
		if a.cfg.Events != nil {
			a.cfg.Events.Publish(&events.Event{
				Type:    events.EventActionApplied,
				Node:    a.cfg.NodeID,
				Message: strconv.FormatInt(action.ID, 10),
			})
		}

	case frame.IsCommand(protocol.CommandHeartbeat):
		a.lastHeartbeat = time.Now()
		a.logger.Debug().Msg("Heartbeat")

	default:
		a.logger.Warn().Uint8("kind", uint8(frame.Kind)).Stringer("command", frame.Command).Msg("Unexpected frame from broker")
	}
}

// connect starts a dial in the background. The result arrives on dialed so
// a broker that accepts but never answers cannot stall the tick loop.
func (a *Agent) connect(ctx context.Context) {
	if a.dialing {
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ReconnectTimeout)
	a.dialing = true
	a.cancelDial = cancel

	cfg := transport.DealerConfig{
		Addr:      a.cfg.BrokerAddr,
		Identity:  strconv.FormatInt(a.cfg.NodeID, 10),
		AuthToken: a.cfg.AuthToken,
		TLS:       a.cfg.TLS,
	}
	go func() {
		d, err := transport.Dial(dialCtx, cfg)
		a.dialed <- dialResult{dealer: d, err: err}
	}()
}

func (a *Agent) connected(res dialResult) {
	a.dialing = false
	a.cancelDial()
	// A fresh stream gets a full timeout before it counts as silent.
	a.lastInbound = time.Now()
	if res.err != nil {
		a.retryAt = time.Now().Add(min(a.cfg.Tick, a.cfg.ReconnectTimeout))
		a.logger.Warn().Err(res.err).Msg("Failed to connect to broker")
		return
	}
	a.dealer = res.dealer
	a.logger.Info().Msg("Connected to broker")
}

// shutdown abandons any dial in flight and closes the stream.
func (a *Agent) shutdown() {
	if a.dialing {
		a.cancelDial()
		if res := <-a.dialed; res.dealer != nil {
			res.dealer.Close()
		}
		a.dialing = false
	}
	a.disconnect()
}

func (a *Agent) disconnect() {
	if a.dealer == nil {
		return
	}
	if err := a.dealer.Close(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Debug().Err(err).Msg("Failed to close broker stream")
	}
	a.dealer = nil
}

func (a *Agent) reconnect(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if a.dealer != nil {
		a.logger.Warn().Dur("silence", time.Since(a.lastInbound)).Msg("No frames from broker, reconnecting")
	}
	metrics.AgentReconnects.Inc()
	a.disconnect()
	a.connect(ctx)
}
