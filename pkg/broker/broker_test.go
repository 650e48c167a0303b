package broker

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/attune/pkg/agent"
	"github.com/cuemby/attune/pkg/client"
	"github.com/cuemby/attune/pkg/events"
	"github.com/cuemby/attune/pkg/health"
	"github.com/cuemby/attune/pkg/metrics"
	"github.com/cuemby/attune/pkg/protocol"
	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/storage"
	"github.com/cuemby/attune/pkg/transport"
	"github.com/cuemby/attune/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, nodes []types.Node) Config {
	t.Helper()
	return Config{
		ListenAddr: "127.0.0.1:0",
		Backend:    storage.BackendSQLite,
		StorePath:  filepath.Join(t.TempDir(), "replay.db"),
		Replay: replay.Config{
			Nodes:               nodes,
			TicksPerObservation: 3,
			MissingTolerance:    -1,
		},
		Tick:              time.Second,
		HeartbeatInterval: 900 * time.Millisecond,
		PollInterval:      time.Second,
		UnresponsiveAfter: 20 * time.Second,
	}
}

// startBroker runs a broker until the test ends. The returned func stops
// it and waits for the store to be closed.
func startBroker(t *testing.T, cfg Config) (*Broker, func()) {
	t.Helper()
	b, err := New(cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Start(context.Background()) }()

	select {
	case <-b.Ready():
	case err := <-done:
		t.Fatalf("broker failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not become ready")
	}

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		b.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("broker did not stop")
		}
	}
	t.Cleanup(stop)
	return b, stop
}

func startAgent(t *testing.T, nodeID int64, addr string, payload []float64, ctrl agent.Controller) {
	t.Helper()
	a, err := agent.New(agent.Config{
		NodeID:     nodeID,
		BrokerAddr: addr,
		Tick:       time.Second,
		Collectors: []agent.Collector{
			agent.CollectorFunc(func() ([]float64, error) { return payload, nil }),
		},
		Controller: ctrl,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()
	t.Cleanup(func() {
		a.Stop()
		<-done
	})
}

func waitEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func dialNode(t *testing.T, addr, identity string) *transport.Dealer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := transport.Dial(ctx, transport.DealerConfig{Addr: addr, Identity: identity})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func statusOf(t *testing.T, addr string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := client.New(client.Config{BrokerAddr: addr}).Status(ctx)
	require.NoError(t, err)
	return report
}

// TestBrokerPersistsAgentSample tests an agent sample reaching the store
// and the node showing as healthy
func TestBrokerPersistsAgentSample(t *testing.T) {
	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()
	stored := bus.Subscribe(events.EventSampleStored)

	nodes := []types.Node{{ID: 1, Role: types.NodeRoleClient}}
	cfg := testConfig(t, nodes)
	cfg.Events = bus
	b, stop := startBroker(t, cfg)

	startAgent(t, 1, b.Addr(), []float64{1, 2, 3}, nil)

	ev := waitEvent(t, stored)
	assert.Equal(t, int64(1), ev.Node)
	ts := ev.Tick

	require.Eventually(t, func() bool {
		report, err := b.Health()
		return err == nil && report == "All nodes healthy. 1: ok;"
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "All nodes healthy. 1: ok;", statusOf(t, b.Addr()))

	comp, ok := metrics.Component(ComponentName)
	require.True(t, ok)
	assert.True(t, comp.Healthy)

	stop()

	db, err := replay.Open(cfg.Backend, cfg.StorePath, cfg.Replay)
	require.NoError(t, err)
	defer db.Close()

	payload, err := db.GetSample(1, ts)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, payload)
}

// TestBrokerBroadcastsAction tests a published action reaching an agent's
// controller within one heartbeat interval and being stored
func TestBrokerBroadcastsAction(t *testing.T) {
	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()
	connected := bus.Subscribe(events.EventNodeConnected)

	cfg := testConfig(t, []types.Node{{ID: 4, Role: types.NodeRoleClient}})
	cfg.StoreAction = true
	cfg.Events = bus
	b, stop := startBroker(t, cfg)

	applied := make(chan types.Action, 1)
	startAgent(t, 4, b.Addr(), []float64{0}, agent.ControllerFunc(func(a types.Action) error {
		applied <- a
		return nil
	}))
	assert.Equal(t, int64(4), waitEvent(t, connected).Node)

	before := testutil.ToFloat64(metrics.ActionsBroadcast)
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub := client.New(client.Config{BrokerAddr: b.Addr()})
	require.NoError(t, pub.PublishAction(ctx, types.Action{ID: 42}))

	select {
	case a := <-applied:
		assert.Equal(t, int64(42), a.ID)
		assert.Less(t, time.Since(start), 900*time.Millisecond)
	case <-time.After(900 * time.Millisecond):
		t.Fatal("action did not reach the controller within one heartbeat interval")
	}
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ActionsBroadcast))

	stop()

	db, err := replay.Open(cfg.Backend, cfg.StorePath, cfg.Replay)
	require.NoError(t, err)
	defer db.Close()

	_, last, err := db.ActionRange()
	require.NoError(t, err)
	action, err := db.GetAction(last)
	require.NoError(t, err)
	assert.Equal(t, int64(42), action)
}

// TestBrokerStatusWithoutNodeList tests the report when no nodes are
// configured
func TestBrokerStatusWithoutNodeList(t *testing.T) {
	b, _ := startBroker(t, testConfig(t, nil))
	assert.Equal(t, "node list is missing; ", statusOf(t, b.Addr()))
}

// TestBrokerDropsBadFrames tests that malformed frames leave the loop running
func TestBrokerDropsBadFrames(t *testing.T) {
	b, _ := startBroker(t, testConfig(t, nil))
	d := dialNode(t, b.Addr(), "5")

	decodeBefore := testutil.ToFloat64(metrics.FramesDropped.WithLabelValues("decode"))
	unknownBefore := testutil.ToFloat64(metrics.FramesDropped.WithLabelValues("unknown_command"))

	require.NoError(t, d.Send([]byte{0, 0xff, 0xff}))

	bad := &protocol.Frame{Version: protocol.Version, Kind: protocol.KindCommand, Command: protocol.Command(99)}
	data, err := protocol.Codec{}.Encode(bad)
	require.NoError(t, err)
	require.NoError(t, d.Send(data))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.FramesDropped.WithLabelValues("decode")) == decodeBefore+1 &&
			testutil.ToFloat64(metrics.FramesDropped.WithLabelValues("unknown_command")) == unknownBefore+1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "node list is missing; ", statusOf(t, b.Addr()))
}

// TestBrokerRejectsDataFromPublisher tests that only numeric identities
// may store samples
func TestBrokerRejectsDataFromPublisher(t *testing.T) {
	b, _ := startBroker(t, testConfig(t, nil))
	d := dialNode(t, b.Addr(), "publisher-x")

	before := testutil.ToFloat64(metrics.FramesDropped.WithLabelValues("unknown_peer"))
	data, err := protocol.Codec{}.Encode(protocol.NewData(types.UnixSeconds(time.Now()), []float64{1}))
	require.NoError(t, err)
	require.NoError(t, d.Send(data))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.FramesDropped.WithLabelValues("unknown_peer")) == before+1
	}, 5*time.Second, 20*time.Millisecond)
}

// TestBrokerHeartbeat tests heartbeats to idle nodes
func TestBrokerHeartbeat(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.HeartbeatInterval = 100 * time.Millisecond
	b, _ := startBroker(t, cfg)

	d := dialNode(t, b.Addr(), "3")
	select {
	case data := <-d.Recv():
		frame, err := protocol.Codec{}.Decode(data)
		require.NoError(t, err)
		assert.True(t, frame.IsCommand(protocol.CommandHeartbeat))
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat")
	}
}

// TestBrokerUnresponsiveNode tests that a silent node is reported without
// stopping the broker
func TestBrokerUnresponsiveNode(t *testing.T) {
	cfg := testConfig(t, []types.Node{{ID: 1, Role: types.NodeRoleClient}, {ID: 2, Role: types.NodeRoleServer}})
	cfg.UnresponsiveAfter = 50 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	b, _ := startBroker(t, cfg)

	report, err := b.Health()
	assert.NoError(t, err)
	assert.Equal(t, "1: not seen;2: not seen;", report)

	d := dialNode(t, b.Addr(), "1")
	data, err := protocol.Codec{}.Encode(protocol.NewData(types.UnixSeconds(time.Now()), []float64{1}))
	require.NoError(t, err)
	require.NoError(t, d.Send(data))

	require.Eventually(t, func() bool {
		_, err := b.Health()
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	report, err = b.Health()
	assert.ErrorIs(t, err, health.ErrUnresponsive)
	assert.Contains(t, report, "1: unresponsive, last seen at ")
	assert.Contains(t, report, "2: not seen;")

	comp, ok := metrics.Component(ComponentName)
	require.True(t, ok)
	assert.False(t, comp.Healthy)
}

// TestNewValidation tests required configuration
func TestNewValidation(t *testing.T) {
	valid := testConfig(t, nil)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no listen address", mutate: func(c *Config) { c.ListenAddr = "" }},
		{name: "no backend", mutate: func(c *Config) { c.Backend = "" }},
		{name: "no path", mutate: func(c *Config) { c.StorePath = "" }},
		{name: "no tick", mutate: func(c *Config) { c.Tick = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}

	_, err := New(valid)
	assert.NoError(t, err)
}

// TestStartBindFailure tests that a taken address is a startup error
func TestStartBindFailure(t *testing.T) {
	first, _ := startBroker(t, testConfig(t, nil))

	cfg := testConfig(t, nil)
	cfg.ListenAddr = first.Addr()
	b, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, b.Start(context.Background()))
}

func TestNodeIdentity(t *testing.T) {
	for identity, want := range map[string]bool{"1": true, "42": true, "publisher-1": false, "": false} {
		_, ok := nodeIdentity(identity)
		assert.Equal(t, want, ok, strconv.Quote(identity))
	}
}

// TestBrokerStreamAndEventGauges tests the peer and dropped event gauges
// refreshed on every health poll
func TestBrokerStreamAndEventGauges(t *testing.T) {
	// Never started, so the queue fills and later events are discarded.
	bus := events.NewBus()
	for bus.Dropped() == 0 {
		bus.Publish(&events.Event{Type: events.EventSampleStored})
	}

	cfg := testConfig(t, []types.Node{{ID: 5, Role: types.NodeRoleClient}})
	cfg.Events = bus
	cfg.PollInterval = 50 * time.Millisecond
	b, stop := startBroker(t, cfg)
	defer stop()

	startAgent(t, 5, b.Addr(), []float64{0}, nil)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.BrokerPeers) >= 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.EventsDropped) >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.LessOrEqual(t, testutil.ToFloat64(metrics.EventsDropped), float64(bus.Dropped()))
}
