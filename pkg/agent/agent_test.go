package agent

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/attune/pkg/protocol"
	"github.com/cuemby/attune/pkg/transport"
	"github.com/cuemby/attune/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFileCollector tests reading the first number of each file
func TestFileCollector(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	tests := []struct {
		name    string
		paths   []string
		want    []float64
		wantErr bool
	}{
		{
			name:  "several files",
			paths: []string{write("a", "12 34 56\n"), write("b", "0.5\n")},
			want:  []float64{12, 0.5},
		},
		{
			name:    "missing file",
			paths:   []string{filepath.Join(dir, "nope")},
			wantErr: true,
		},
		{
			name:    "empty file",
			paths:   []string{write("c", "\n")},
			wantErr: true,
		},
		{
			name:    "not a number",
			paths:   []string{write("d", "[none] mq-deadline\n")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &FileCollector{Paths: tt.paths}
			got, err := c.Collect()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestCollectAll tests concatenation order and failure
func TestCollectAll(t *testing.T) {
	first := CollectorFunc(func() ([]float64, error) { return []float64{1, 2}, nil })
	second := CollectorFunc(func() ([]float64, error) { return []float64{3}, nil })
	broken := CollectorFunc(func() ([]float64, error) { return nil, errors.New("boom") })

	payload, err := collectAll([]Collector{first, second})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, payload)

	_, err = collectAll([]Collector{first, broken, second})
	assert.ErrorContains(t, err, "collector 1")
}

// TestFileController tests positional writes to CPV files
func TestFileController(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "max_sectors_kb")
	b := filepath.Join(dir, "read_ahead_kb")
	c := filepath.Join(dir, "read_ahead_kb_2")

	ctrl := &FileController{
		CPVs: []types.CPV{{Name: "sectors"}, {Name: "readahead"}},
		Files: map[string][]string{
			"sectors":   {a},
			"readahead": {b, c},
		},
	}

	require.NoError(t, ctrl.Apply(types.Action{ID: 2, Values: []float64{512, 128.5}}))

	for path, want := range map[string]string{a: "512\n", b: "128.5\n", c: "128.5\n"} {
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	err := ctrl.Apply(types.Action{ID: 1, Values: []float64{1}})
	assert.Error(t, err)
}

// TestDue tests tick scheduling around the collect offset
func TestDue(t *testing.T) {
	a, err := New(Config{BrokerAddr: "x", Tick: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, a.cfg.CollectOffset)

	base := time.Unix(1000, 0)
	assert.True(t, a.due(base), "first iteration always samples")

	a.lastTick = base
	assert.False(t, a.due(base.Add(600*time.Millisecond)))
	assert.False(t, a.due(base.Add(1400*time.Millisecond)))
	assert.True(t, a.due(base.Add(1490*time.Millisecond)))
	assert.True(t, a.due(base.Add(1500*time.Millisecond)))
}

// TestSampleTickAlignment tests that tick boundaries are epoch-aligned for
// ticks that do not divide a day
func TestSampleTickAlignment(t *testing.T) {
	tests := []struct {
		name string
		tick time.Duration
		now  time.Time
		want time.Time
	}{
		{name: "one second", tick: time.Second, now: time.Unix(1000, 700e6), want: time.Unix(1000, 0)},
		{name: "seven seconds", tick: 7 * time.Second, now: time.Unix(1000, 700e6), want: time.Unix(994, 0)},
		{name: "thirteen seconds", tick: 13 * time.Second, now: time.Unix(1000, 0), want: time.Unix(988, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(Config{BrokerAddr: "x", Tick: tt.tick})
			require.NoError(t, err)

			a.sample(tt.now)
			assert.True(t, tt.want.Equal(a.lastTick), "got %v want %v", a.lastTick, tt.want)
			assert.Zero(t, a.lastTick.Unix()%int64(tt.tick/time.Second))
		})
	}
}

// TestNewValidation tests required fields
func TestNewValidation(t *testing.T) {
	_, err := New(Config{Tick: time.Second})
	assert.Error(t, err)

	_, err = New(Config{BrokerAddr: "x"})
	assert.Error(t, err)
}

// TestAgentAgainstRouter tests sampling and action handling over a real
// stream
func TestAgentAgainstRouter(t *testing.T) {
	router := transport.NewRouter(transport.RouterConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, router.Start())
	t.Cleanup(router.Stop)

	applied := make(chan types.Action, 4)
	a, err := New(Config{
		NodeID:     7,
		BrokerAddr: router.Addr(),
		Tick:       200 * time.Millisecond,
		Collectors: []Collector{
			CollectorFunc(func() ([]float64, error) { return []float64{1, 2, 3}, nil }),
		},
		Controller: ControllerFunc(func(action types.Action) error {
			applied <- action
			return nil
		}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	codec := protocol.Codec{}
	var frame *protocol.Frame
	deadline := time.After(5 * time.Second)
	for frame == nil {
		select {
		case in := <-router.Inbound():
			if in.Kind != transport.InboundData {
				continue
			}
			assert.Equal(t, "7", in.Identity)
			frame, err = codec.Decode(in.Data)
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("no sample from agent")
		}
	}
	assert.Equal(t, protocol.KindData, frame.Kind)
	assert.Equal(t, []float64{1, 2, 3}, frame.Values)

	send := func(f *protocol.Frame) {
		data, err := codec.Encode(f)
		require.NoError(t, err)
		require.NoError(t, router.Send("7", data))
	}

	now := types.UnixSeconds(time.Now())
	send(protocol.NewAction(now, types.Action{ID: 0, Values: []float64{9}}))
	send(protocol.NewHeartbeat(now))
	send(protocol.NewAction(now, types.Action{ID: 42, Values: []float64{8, 12345}}))

	select {
	case got := <-applied:
		assert.Equal(t, int64(42), got.ID, "action 0 never reaches the controller")
		assert.Equal(t, []float64{42, 8, 12345}, got.Flatten())
	case <-time.After(5 * time.Second):
		t.Fatal("action not applied")
	}

	a.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.False(t, a.LastHeartbeat().IsZero())
}

// TestAgentUnresponsiveBroker tests that a broker which accepts connections
// but never answers does not stall sampling
func TestAgentUnresponsiveBroker(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()

	var collected atomic.Int64
	a, err := New(Config{
		NodeID:           7,
		BrokerAddr:       lis.Addr().String(),
		Tick:             200 * time.Millisecond,
		ReconnectTimeout: 5 * time.Second,
		Collectors: []Collector{
			CollectorFunc(func() ([]float64, error) {
				collected.Add(1)
				return []float64{1}, nil
			}),
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	time.Sleep(2 * time.Second)
	assert.GreaterOrEqual(t, collected.Load(), int64(5), "sampling kept its schedule while dialing")

	a.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("agent did not stop while a dial was pending")
	}
}

// TestAgentReconnect tests that the agent finds a restarted broker on the
// same address and resumes sending
func TestAgentReconnect(t *testing.T) {
	first := transport.NewRouter(transport.RouterConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, first.Start())
	addr := first.Addr()

	tick := 100 * time.Millisecond
	a, err := New(Config{
		NodeID:           7,
		BrokerAddr:       addr,
		Tick:             tick,
		ReconnectTimeout: 300 * time.Millisecond,
		Collectors: []Collector{
			CollectorFunc(func() ([]float64, error) { return []float64{1}, nil }),
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	waitForData := func(r *transport.Router, within time.Duration) {
		t.Helper()
		deadline := time.After(within)
		for {
			select {
			case in := <-r.Inbound():
				if in.Kind == transport.InboundData {
					assert.Equal(t, "7", in.Identity)
					return
				}
			case <-deadline:
				t.Fatalf("no sample within %v", within)
			}
		}
	}

	waitForData(first, 5*time.Second)
	first.Stop()

	second := transport.NewRouter(transport.RouterConfig{Addr: addr})
	require.Eventually(t, func() bool { return second.Start() == nil }, 2*time.Second, 20*time.Millisecond)
	t.Cleanup(second.Stop)
	restarted := time.Now()

	waitForData(second, 5*time.Second)
	assert.Less(t, time.Since(restarted), a.cfg.ReconnectTimeout+tick+500*time.Millisecond)

	a.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}
