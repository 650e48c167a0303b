package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/events"
	"github.com/cuemby/attune/pkg/health"
	"github.com/cuemby/attune/pkg/log"
	"github.com/cuemby/attune/pkg/metrics"
	"github.com/cuemby/attune/pkg/protocol"
	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/security"
	"github.com/cuemby/attune/pkg/transport"
	"github.com/cuemby/attune/pkg/types"
	"github.com/rs/zerolog"
)

// ComponentName is the name the broker registers in the metrics health
// registry.
const ComponentName = "broker"

// Config holds broker configuration
type Config struct {
	ListenAddr  string
	Backend     string
	StorePath   string
	Replay      replay.Config
	Tick        time.Duration
	StoreAction bool

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	UnresponsiveAfter time.Duration

	Compression protocol.CompressionTag
	AuthToken   string
	TLS         *tls.Config

	// Events receives broker activity when set.
	Events *events.Bus
}

// ConfigFrom builds a broker Config from the application configuration.
func ConfigFrom(cfg *config.Config) (Config, error) {
	tag, err := protocol.ParseCompressionTag(cfg.Cluster.Compression)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	var tlsCfg *tls.Config
	if cfg.Cluster.CertDir != "" {
		if tlsCfg, err = security.ServerTLSConfig(cfg.Cluster.CertDir); err != nil {
			return Config{}, err
		}
	}
	return Config{
		ListenAddr: cfg.Broker.ListenAddr,
		Backend:    cfg.Storage.Backend,
		StorePath:  cfg.Storage.Path,
		Replay: replay.Config{
			Nodes:               cfg.Cluster.Nodes,
			TicksPerObservation: cfg.Cluster.TicksPerObservation,
			FeaturesPerNode:     cfg.Cluster.FeaturesPerNode,
			MissingTolerance:    cfg.Cluster.MissingTolerance,
		},
		Tick:              cfg.Cluster.Tick,
		StoreAction:       cfg.Broker.StoreAction,
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
		PollInterval:      cfg.Broker.PollInterval,
		UnresponsiveAfter: cfg.Broker.UnresponsiveAfter,
		Compression:       tag,
		AuthToken:         cfg.Cluster.AuthToken,
		TLS:               tlsCfg,
	}, nil
}

type healthState struct {
	report string
	err    error
}

// Broker is the single router and durable logger of the cluster. All of
// its state is owned by the goroutine running Start.
type Broker struct {
	cfg    Config
	codec  protocol.Codec
	logger zerolog.Logger

	router  *transport.Router
	db      *replay.DB
	tracker *health.Tracker

	// known holds the identities of nodes that receive broadcasts.
	known         map[string]int64
	lastBroadcast time.Time
	lastReport    string

	health atomic.Value
	addr   atomic.Value

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a broker. Nothing is bound or opened until Start.
func New(cfg Config) (*Broker, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("%w: broker listen address is required", config.ErrInvalidConfig)
	}
	if cfg.Backend == "" || cfg.StorePath == "" {
		return nil, fmt.Errorf("%w: broker storage backend and path are required", config.ErrInvalidConfig)
	}
	if cfg.Tick <= 0 {
		return nil, fmt.Errorf("%w: tick must be positive", config.ErrInvalidConfig)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 900 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	b := &Broker{
		cfg:     cfg,
		codec:   protocol.Codec{Compression: cfg.Compression},
		logger:  log.WithComponent("broker"),
		tracker: health.NewTracker(types.NodeIDs(cfg.Replay.Nodes), cfg.UnresponsiveAfter),
		known:   make(map[string]int64),
		ready:   make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	b.health.Store(healthState{})
	b.addr.Store("")
	return b, nil
}

// Ready is closed once the broker is bound and its store is open.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Addr returns the bound address once Ready is closed.
func (b *Broker) Addr() string {
	return b.addr.Load().(string)
}

// Health returns the latest health report and ErrUnresponsive when any
// configured node went silent. Safe to call from any goroutine.
func (b *Broker) Health() (string, error) {
	h := b.health.Load().(healthState)
	return h.report, h.err
}

// Stop asks the loop to exit after the current iteration.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Start binds the router, opens the replay store and runs the event loop
// until Stop is called or ctx is cancelled. It returns an error only for
// startup faults.
func (b *Broker) Start(ctx context.Context) error {
	b.router = transport.NewRouter(transport.RouterConfig{
		Addr:      b.cfg.ListenAddr,
		AuthToken: b.cfg.AuthToken,
		TLS:       b.cfg.TLS,
	})
	if err := b.router.Start(); err != nil {
		return err
	}

	// The store belongs to this loop alone, so it is opened here.
	db, err := replay.Open(b.cfg.Backend, b.cfg.StorePath, b.cfg.Replay)
	if err != nil {
		b.router.Stop()
		return err
	}
	b.db = db

	b.addr.Store(b.router.Addr())
	b.lastBroadcast = time.Now()
	b.updateHealth(time.Now())
	close(b.ready)

	b.logger.Info().
		Str("addr", b.router.Addr()).
		Str("backend", b.cfg.Backend).
		Bool("store_action", b.cfg.StoreAction).
		Msg("Broker started")

	timer := time.NewTimer(b.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case in := <-b.router.Inbound():
			b.handle(in)
		case <-b.stopCh:
			b.shutdown()
			return nil
		case <-ctx.Done():
			b.shutdown()
			return nil
		case <-timer.C:
		}

		now := time.Now()
		b.heartbeat(now)
		b.updateHealth(now)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.nextWait(time.Now()))
	}
}

// nextWait bounds the poll so heartbeats keep their cadence.
func (b *Broker) nextWait(now time.Time) time.Duration {
	wait := b.cfg.PollInterval
	untilHB := b.lastBroadcast.Add(b.cfg.HeartbeatInterval).Sub(now)
	if untilHB < wait {
		wait = untilHB
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (b *Broker) shutdown() {
	b.router.Stop()
	if err := b.db.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Failed to close replay store")
	}
	b.logger.Info().Msg("Broker stopped")
	log.Flush()
}

func (b *Broker) handle(in transport.Inbound) {
	switch in.Kind {
	case transport.InboundConnected:
		if id, ok := nodeIdentity(in.Identity); ok {
			b.known[in.Identity] = id
			b.publish(&events.Event{Type: events.EventNodeConnected, Node: id})
		}
		b.logger.Debug().Str("identity", in.Identity).Msg("Peer connected")

	case transport.InboundDisconnected:
		if id, ok := b.known[in.Identity]; ok {
			delete(b.known, in.Identity)
			b.publish(&events.Event{Type: events.EventNodeLost, Node: id})
		}
		b.logger.Debug().Str("identity", in.Identity).Msg("Peer disconnected")

	case transport.InboundData:
		frame, err := b.codec.Decode(in.Data)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("decode").Inc()
			b.logger.Warn().Err(err).Str("identity", in.Identity).Msg("Dropping undecodable frame")
			return
		}
		if frame.Kind == protocol.KindData {
			b.handleData(in.Identity, frame)
			return
		}
		b.handleCommand(in.Identity, frame)
	}
}

func (b *Broker) handleData(identity string, frame *protocol.Frame) {
	node, ok := nodeIdentity(identity)
	if !ok {
		metrics.FramesDropped.WithLabelValues("unknown_peer").Inc()
		b.logger.Warn().Str("identity", identity).Msg("Dropping data frame from non-node peer")
		return
	}

	now := time.Now()
	b.tracker.Seen(node, now)
	b.known[identity] = node

	tick := types.TickOf(frame.Timestamp, b.cfg.Tick)
	stored, err := b.db.InsertSample(node, tick, frame.Values)
	if err != nil {
		kind := "storage"
		if errors.Is(err, replay.ErrIntegrityViolation) {
			kind = "integrity"
		}
		metrics.IngestErrors.WithLabelValues(kind).Inc()
		b.logger.Error().Err(err).Int64("node", node).Int64("ts", tick).Msg("Failed to store sample")
		b.publish(&events.Event{Type: events.EventSampleRejected, Node: node, Tick: tick, Message: err.Error()})
		return
	}

	metrics.SamplesIngested.Inc()
	b.publish(&events.Event{Type: events.EventSampleStored, Node: node, Tick: stored})
}

func (b *Broker) handleCommand(identity string, frame *protocol.Frame) {
	now := time.Now()

	switch frame.Command {
	case protocol.CommandStatus:
		report, _ := b.tracker.Report(now)
		reply, err := b.codec.Encode(protocol.NewStatus(types.UnixSeconds(now), report))
		if err != nil {
			b.logger.Error().Err(err).Msg("Failed to encode status reply")
			return
		}
		if err := b.router.Send(identity, reply); err != nil {
			b.logger.Warn().Err(err).Str("identity", identity).Msg("Failed to reply to status")
		}

	case protocol.CommandAction:
		action := frame.Action()
		tick := types.TickOf(types.UnixSeconds(now), b.cfg.Tick)
		if b.cfg.StoreAction {
			if err := b.db.InsertAction(tick, action.ID); err != nil {
				b.logger.Error().Err(err).Int64("ts", tick).Int64("action", action.ID).Msg("Failed to store action")
			}
		}

		n := b.broadcast(protocol.NewAction(types.UnixSeconds(now), action), now)
		metrics.ActionsBroadcast.Inc()
		b.publish(&events.Event{
			Type:    events.EventActionBroadcast,
			Tick:    tick,
			Message: strconv.FormatInt(action.ID, 10),
			Metadata: map[string]string{
				"from":  identity,
				"nodes": strconv.Itoa(n),
			},
		})
		b.logger.Debug().Int64("action", action.ID).Int("nodes", n).Msg("Action broadcast")

	case protocol.CommandHeartbeat:

	default:
		metrics.FramesDropped.WithLabelValues("unknown_command").Inc()
		b.logger.Warn().
			Str("identity", identity).
			Uint8("command", uint8(frame.Command)).
			Msg("Dropping frame with unknown command")
	}
}

// broadcast sends a frame to every known node and returns how many were
// reached.
func (b *Broker) broadcast(frame *protocol.Frame, now time.Time) int {
	data, err := b.codec.Encode(frame)
	if err != nil {
		b.logger.Error().Err(err).Stringer("command", frame.Command).Msg("Failed to encode broadcast")
		return 0
	}
	b.lastBroadcast = now

	sent := 0
	for identity := range b.known {
		err := b.router.Send(identity, data)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, transport.ErrQueueFull):
			metrics.FramesDropped.WithLabelValues("queue_full").Inc()
			b.logger.Warn().Str("identity", identity).Msg("Node queue full, frame dropped")
		case errors.Is(err, transport.ErrUnknownPeer):
			delete(b.known, identity)
		}
	}
	return sent
}

func (b *Broker) heartbeat(now time.Time) {
	if now.Sub(b.lastBroadcast) < b.cfg.HeartbeatInterval {
		return
	}
	b.broadcast(protocol.NewHeartbeat(types.UnixSeconds(now)), now)
	metrics.HeartbeatsSent.Inc()
}

// updateHealth recomputes the report and acts on changes only.
func (b *Broker) updateHealth(now time.Time) {
	report, err := b.tracker.Report(now)
	b.health.Store(healthState{report: report, err: err})

	for status, n := range b.tracker.Counts(now) {
		metrics.Nodes.WithLabelValues(string(status)).Set(float64(n))
	}
	metrics.BrokerPeers.Set(float64(len(b.router.Peers())))
	if b.cfg.Events != nil {
		metrics.EventsDropped.Set(float64(b.cfg.Events.Dropped()))
	}

	if report == b.lastReport {
		return
	}
	b.lastReport = report

	if err != nil {
		b.logger.Error().Err(err).Msg(report)
		metrics.UpdateComponent(ComponentName, false, report)
	} else {
		b.logger.Info().Msg(report)
		metrics.UpdateComponent(ComponentName, true, report)
	}
	b.publish(&events.Event{Type: events.EventNodeHealth, Message: report})
	log.Flush()
}

func (b *Broker) publish(ev *events.Event) {
	if b.cfg.Events != nil {
		b.cfg.Events.Publish(ev)
	}
}

// nodeIdentity parses a numeric node identity.
func nodeIdentity(identity string) (int64, bool) {
	id, err := strconv.ParseInt(identity, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
