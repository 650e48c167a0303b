package config

import (
	"fmt"
	"strings"

	"github.com/cuemby/attune/pkg/types"
)

var (
	validBackends     = []string{"sqlite", "bolt"}
	validCompressions = []string{"none", "lz4", "zstd"}
	validPolicies     = []string{"epsilon_greedy", "ucb", "random"}
	validGames        = []string{"cluster", "hill"}
	validLevels       = []string{"debug", "info", "warn", "error"}
)

// Validate checks every section and returns the first problem found,
// wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	checks := []func() error{
		c.validateLog,
		c.validateCluster,
		c.validateStorage,
		c.validateBroker,
		c.validateAgent,
		c.validateTuner,
		c.validateReward,
		c.validateCPVs,
	}

	for _, check := range checks {
		if err := check(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c *Config) validateLog() error {
	if !oneOf(c.Log.Level, validLevels) {
		return fmt.Errorf("log.level %q must be one of %s", c.Log.Level, strings.Join(validLevels, ", "))
	}
	return nil
}

func (c *Config) validateCluster() error {
	cl := c.Cluster
	if cl.Tick <= 0 {
		return fmt.Errorf("cluster.tick must be positive")
	}
	if cl.TicksPerObservation < 1 {
		return fmt.Errorf("cluster.ticks_per_observation must be at least 1")
	}
	if cl.FeaturesPerNode < 0 {
		return fmt.Errorf("cluster.features_per_node must not be negative")
	}
	if !oneOf(cl.Compression, validCompressions) {
		return fmt.Errorf("cluster.compression %q must be one of %s", cl.Compression, strings.Join(validCompressions, ", "))
	}

	seen := make(map[int64]bool)
	for _, n := range cl.Nodes {
		if n.ID < 0 {
			return fmt.Errorf("cluster.nodes: id %d must not be negative", n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("cluster.nodes: duplicate id %d", n.ID)
		}
		seen[n.ID] = true
		if n.Role != types.NodeRoleClient && n.Role != types.NodeRoleServer {
			return fmt.Errorf("cluster.nodes: node %d has invalid role %q", n.ID, n.Role)
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	if !oneOf(c.Storage.Backend, validBackends) {
		return fmt.Errorf("storage.backend %q must be one of %s", c.Storage.Backend, strings.Join(validBackends, ", "))
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	return nil
}

func (c *Config) validateBroker() error {
	b := c.Broker
	if b.ListenAddr == "" {
		return fmt.Errorf("broker.listen_addr is required")
	}
	if b.HeartbeatInterval <= 0 || b.PollInterval <= 0 || b.UnresponsiveAfter <= 0 {
		return fmt.Errorf("broker intervals must be positive")
	}
	return nil
}

func (c *Config) validateAgent() error {
	a := c.Agent
	if a.BrokerAddr == "" {
		return fmt.Errorf("agent.broker_addr is required")
	}
	if a.CollectOffset < 0 || a.CollectOffset >= c.Cluster.Tick {
		return fmt.Errorf("agent.collect_offset must be within [0, cluster.tick)")
	}
	if a.ReconnectTimeout <= 0 {
		return fmt.Errorf("agent.reconnect_timeout must be positive")
	}
	for name := range a.ControlFiles {
		if !c.hasCPV(name) {
			return fmt.Errorf("agent.control_files: unknown cpv %q", name)
		}
	}
	return nil
}

func (c *Config) validateTuner() error {
	t := c.Tuner
	if !oneOf(t.Game, validGames) {
		return fmt.Errorf("tuner.game %q must be one of %s", t.Game, strings.Join(validGames, ", "))
	}
	if !oneOf(t.Policy, validPolicies) {
		return fmt.Errorf("tuner.policy %q must be one of %s", t.Policy, strings.Join(validPolicies, ", "))
	}
	if t.Epsilon < 0 || t.Epsilon > 1 {
		return fmt.Errorf("tuner.epsilon must be within [0, 1]")
	}
	if t.MinibatchSize < 1 {
		return fmt.Errorf("tuner.minibatch_size must be at least 1")
	}
	if t.DelayBetweenActions <= 0 {
		return fmt.Errorf("tuner.delay_between_actions must be positive")
	}
	if t.CheckpointEvery < 0 {
		return fmt.Errorf("tuner.checkpoint_every must not be negative")
	}
	return nil
}

func (c *Config) validateReward() error {
	r := c.Reward
	if r.DevicesPerNode < 0 {
		return fmt.Errorf("reward.devices_per_node must not be negative")
	}
	if r.MaxThroughput <= 0 {
		return fmt.Errorf("reward.max_throughput must be positive")
	}
	if r.DevicesPerNode > 0 {
		if r.ReadField < 0 || r.WriteField < 0 {
			return fmt.Errorf("reward field offsets must not be negative")
		}
		if r.DeviceStride <= r.ReadField || r.DeviceStride <= r.WriteField {
			return fmt.Errorf("reward.device_stride must exceed read_field and write_field")
		}
		last := (r.DevicesPerNode-1)*r.DeviceStride + max(r.ReadField, r.WriteField)
		if c.Cluster.FeaturesPerNode > 0 && last >= c.Cluster.FeaturesPerNode {
			return fmt.Errorf("reward fields exceed cluster.features_per_node")
		}
	}

	clients := make(map[int64]bool)
	for _, id := range types.ClientIDs(c.Cluster.Nodes) {
		clients[id] = true
	}
	for _, id := range r.ClientNodes {
		if !clients[id] {
			return fmt.Errorf("reward.client_nodes: %d is not a client node", id)
		}
	}
	return nil
}

func (c *Config) validateCPVs() error {
	names := make(map[string]bool)
	for _, cpv := range c.CPVs {
		if cpv.Name == "" {
			return fmt.Errorf("cpvs: name is required")
		}
		if names[cpv.Name] {
			return fmt.Errorf("cpvs: duplicate name %q", cpv.Name)
		}
		names[cpv.Name] = true
		if cpv.Step <= 0 {
			return fmt.Errorf("cpvs: %s step must be positive", cpv.Name)
		}
		if cpv.Min > cpv.Initial || cpv.Initial > cpv.Max {
			return fmt.Errorf("cpvs: %s initial value must be within [min, max]", cpv.Name)
		}
	}
	return nil
}

func (c *Config) hasCPV(name string) bool {
	for _, cpv := range c.CPVs {
		if cpv.Name == name {
			return true
		}
	}
	return false
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
