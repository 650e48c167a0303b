package main

import (
	"fmt"
	"os"

	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/log"
	"github.com/cuemby/attune/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "attune",
	Short: "Attune - autonomic tuning loop for storage clusters",
	Long: `Attune samples performance indicators on every node, logs them
through a central broker into a replay store, and lets a decision policy
turn recent history into tuning actions that are broadcast back to the
nodes.

Run one broker, one agent per node and one tuner.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Attune version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(tunerCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(certsCmd)
}

// loadConfig reads the configuration named by --config and applies the
// --log-level override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setupLogging initializes pkg/log and returns a func that flushes and
// closes the file sink.
func setupLogging(cfg *config.Config) (func(), error) {
	logCfg := log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	}

	var sink *log.Sink
	if cfg.Log.File != "" {
		var err error
		sink, err = log.OpenSink(cfg.Log.File)
		if err != nil {
			return nil, err
		}
		logCfg.Sink = sink
	}
	log.Init(logCfg)
	metrics.SetVersion(Version)

	return func() {
		log.Flush()
		if sink != nil {
			_ = sink.Close()
		}
	}, nil
}
