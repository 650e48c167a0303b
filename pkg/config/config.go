package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/attune/pkg/types"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete attune configuration. Every component reads its
// section from here; there are no other knobs.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Cluster ClusterConfig `yaml:"cluster"`
	Storage StorageConfig `yaml:"storage"`
	Broker  BrokerConfig  `yaml:"broker"`
	Agent   AgentConfig   `yaml:"agent"`
	Tuner   TunerConfig   `yaml:"tuner"`
	Reward  RewardConfig  `yaml:"reward"`
	CPVs    []types.CPV   `yaml:"cpvs"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `yaml:"level" split_words:"true"`
	JSON  bool   `yaml:"json" split_words:"true"`
	// File is the path of the buffered log sink. Empty disables it.
	File string `yaml:"file" split_words:"true"`
}

// ClusterConfig describes the tuned cluster and the observation shape
type ClusterConfig struct {
	Nodes               []types.Node  `yaml:"nodes" ignored:"true"`
	Tick                time.Duration `yaml:"tick" split_words:"true"`
	TicksPerObservation int           `yaml:"ticks_per_observation" split_words:"true"`
	FeaturesPerNode     int           `yaml:"features_per_node" split_words:"true"`
	// MissingTolerance is the number of missing (node, tick) cells an
	// observation may contain. Negative selects 20% of the window.
	MissingTolerance int    `yaml:"missing_tolerance" split_words:"true"`
	Compression      string `yaml:"compression" split_words:"true"`
	AuthToken        string `yaml:"auth_token" split_words:"true"`
	// CertDir holds the CA and the broker and peer key pairs. Empty
	// disables TLS.
	CertDir string `yaml:"cert_dir" split_words:"true"`
}

// Tolerance returns the effective missing-cell tolerance.
func (c ClusterConfig) Tolerance() int {
	if c.MissingTolerance >= 0 {
		return c.MissingTolerance
	}
	return int(float64(len(c.Nodes)*c.TicksPerObservation) * 0.2)
}

// StorageConfig selects the replay store backend
type StorageConfig struct {
	Backend string `yaml:"backend" split_words:"true"`
	Path    string `yaml:"path" split_words:"true"`
}

// BrokerConfig configures the broker loop
type BrokerConfig struct {
	ListenAddr        string        `yaml:"listen_addr" split_words:"true"`
	HTTPAddr          string        `yaml:"http_addr" split_words:"true"`
	StoreAction       bool          `yaml:"store_action" split_words:"true"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" split_words:"true"`
	PollInterval      time.Duration `yaml:"poll_interval" split_words:"true"`
	UnresponsiveAfter time.Duration `yaml:"unresponsive_after" split_words:"true"`
}

// AgentConfig configures a per-node agent
type AgentConfig struct {
	// NodeID is this node's id. Negative resolves it by hostname from
	// cluster.nodes.
	NodeID           int64         `yaml:"node_id" split_words:"true"`
	BrokerAddr       string        `yaml:"broker_addr" split_words:"true"`
	CollectOffset    time.Duration `yaml:"collect_offset" split_words:"true"`
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout" split_words:"true"`
	GCIdleThreshold  time.Duration `yaml:"gc_idle_threshold" split_words:"true"`
	CollectFiles     []string      `yaml:"collect_files" split_words:"true"`
	// ControlFiles maps a CPV name to the files its value is written to.
	ControlFiles map[string][]string `yaml:"control_files" ignored:"true"`
}

// TunerConfig configures the decision daemon
type TunerConfig struct {
	Game                string        `yaml:"game" split_words:"true"`
	Policy              string        `yaml:"policy" split_words:"true"`
	Epsilon             float64       `yaml:"epsilon" split_words:"true"`
	Exploration         float64       `yaml:"exploration" split_words:"true"`
	Seed                int64         `yaml:"seed" split_words:"true"`
	MinibatchSize       int           `yaml:"minibatch_size" split_words:"true"`
	DelayBetweenActions time.Duration `yaml:"delay_between_actions" split_words:"true"`
	TrainInterval       time.Duration `yaml:"train_interval" split_words:"true"`
	EnableTuning        bool          `yaml:"enable_tuning" split_words:"true"`
	DisableTraining     bool          `yaml:"disable_training" split_words:"true"`
	CheckpointPath      string        `yaml:"checkpoint_path" split_words:"true"`
	CheckpointEvery     int           `yaml:"checkpoint_every" split_words:"true"`
	MaxSteps            int           `yaml:"max_steps" split_words:"true"`
}

// RewardConfig describes where throughput lives inside a client payload.
// The read field of device d is at d*DeviceStride+ReadField.
type RewardConfig struct {
	ClientNodes    []int64 `yaml:"client_nodes" split_words:"true"`
	DevicesPerNode int     `yaml:"devices_per_node" split_words:"true"`
	DeviceStride   int     `yaml:"device_stride" split_words:"true"`
	ReadField      int     `yaml:"read_field" split_words:"true"`
	WriteField     int     `yaml:"write_field" split_words:"true"`
	// MaxThroughput is the per-device sanity bound in bytes per second.
	MaxThroughput float64 `yaml:"max_throughput" split_words:"true"`
}

// Default returns a Config with the stated defaults
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Cluster: ClusterConfig{
			Tick:                time.Second,
			TicksPerObservation: 10,
			MissingTolerance:    -1,
			Compression:         "zstd",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "./attune-data/replay.db",
		},
		Broker: BrokerConfig{
			ListenAddr:        ":9123",
			HTTPAddr:          "",
			HeartbeatInterval: 900 * time.Millisecond,
			PollInterval:      time.Second,
			UnresponsiveAfter: 20 * time.Second,
		},
		Agent: AgentConfig{
			NodeID:           -1,
			BrokerAddr:       "127.0.0.1:9123",
			CollectOffset:    500 * time.Millisecond,
			ReconnectTimeout: 5 * time.Second,
			GCIdleThreshold:  100 * time.Millisecond,
		},
		Tuner: TunerConfig{
			Game:                "cluster",
			Policy:              "epsilon_greedy",
			Epsilon:             0.1,
			Exploration:         1.0,
			MinibatchSize:       32,
			DelayBetweenActions: time.Second,
			TrainInterval:       100 * time.Millisecond,
			EnableTuning:        true,
			CheckpointEvery:     1000,
			MaxSteps:            200,
		},
		Reward: RewardConfig{
			MaxThroughput: 300 * 1024 * 1024,
		},
	}
}

// Load reads a YAML file on top of the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides fields from ATTUNE_<SECTION>_<FIELD> environment
// variables.
func (c *Config) ApplyEnv() error {
	sections := []struct {
		prefix string
		spec   interface{}
	}{
		{"ATTUNE_LOG", &c.Log},
		{"ATTUNE_CLUSTER", &c.Cluster},
		{"ATTUNE_STORAGE", &c.Storage},
		{"ATTUNE_BROKER", &c.Broker},
		{"ATTUNE_AGENT", &c.Agent},
		{"ATTUNE_TUNER", &c.Tuner},
		{"ATTUNE_REWARD", &c.Reward},
	}

	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}
