package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/attune/pkg/client"
	"github.com/cuemby/attune/pkg/config"
	"github.com/cuemby/attune/pkg/replay"
	"github.com/cuemby/attune/pkg/security"
	"github.com/cuemby/attune/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newClient(cmd *cobra.Command) (*client.Client, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if addr, _ := cmd.Flags().GetString("broker"); addr != "" {
		cfg.Agent.BrokerAddr = addr
	}
	ccfg, err := client.ConfigFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	return client.New(ccfg), cfg, nil
}

var publishCmd = &cobra.Command{
	Use:   "publish ACTION_ID [VALUES...]",
	Short: "Publish an action for the broker to broadcast",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid action id %q: %w", args[0], err)
		}
		values := make([]float64, 0, len(args)-1)
		for _, arg := range args[1:] {
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", arg, err)
			}
			values = append(values, v)
		}

		c, _, err := newClient(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		action := types.Action{ID: id, Values: values}
		if err := c.PublishAction(ctx, action); err != nil {
			return err
		}
		fmt.Printf("✓ Published action %v\n", action.Flatten())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the broker's node health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		report, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Println(report)
		return nil
	},
}

// Replay store commands
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the replay store",
}

func openReplay(cmd *cobra.Command) (*replay.DB, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if path, _ := cmd.Flags().GetString("path"); path != "" {
		cfg.Storage.Path = path
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		return nil, nil, fmt.Errorf("replay store %s: %w", cfg.Storage.Path, err)
	}
	db, err := replay.Open(cfg.Storage.Backend, cfg.Storage.Path, replayConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

var dbInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show row counts and tick ranges",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openReplay(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		samples, err := db.SampleCount()
		if err != nil {
			return err
		}
		actions, err := db.ActionCount()
		if err != nil {
			return err
		}

		fmt.Printf("Samples: %d\n", samples)
		if lo, hi, err := db.PIRange(); err == nil {
			fmt.Printf("  Ticks: %d .. %d\n", lo, hi)
		}
		fmt.Printf("Actions: %d\n", actions)
		if lo, hi, err := db.ActionRange(); err == nil {
			fmt.Printf("  Ticks: %d .. %d\n", lo, hi)
		}
		fmt.Printf("Window: %d ticks, tolerance %d missing cells\n", db.Window(), db.Tolerance())
		return nil
	},
}

var dbLastTickCmd = &cobra.Command{
	Use:   "last-tick",
	Short: "Print the newest tick with a sample from every node",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, err := openReplay(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		ts, err := db.LastCompleteTick()
		if errors.Is(err, replay.ErrNotEnoughData) {
			return fmt.Errorf("no complete tick: every node must report at least once (%w)", err)
		}
		if err != nil {
			return err
		}
		start := time.Unix(0, ts*int64(cfg.Cluster.Tick)).UTC()
		fmt.Printf("%d (%s)\n", ts, start.Format(time.RFC3339))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the YAML file and ATTUNE_*
environment overrides have been applied and validated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

// Certificate commands
var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage the TLS certificates shared by the broker and its peers",
}

func certDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Cluster.CertDir == "" {
		return "", fmt.Errorf("%w: --dir or cluster.cert_dir is required", config.ErrInvalidConfig)
	}
	return cfg.Cluster.CertDir, nil
}

var certsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a CA plus broker and peer certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := certDir(cmd)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		if security.CertExists(dir, security.BrokerName) && !force {
			return fmt.Errorf("certificates already exist in %s (use --force to replace them)", dir)
		}
		hosts, _ := cmd.Flags().GetStringSlice("host")
		if err := security.GenerateBundle(dir, hosts); err != nil {
			return err
		}
		fmt.Printf("✓ Certificates written to %s\n", dir)
		fmt.Println("  Copy ca.crt, peer.crt and peer.key to every node; keep ca.key on the broker host.")
		return nil
	},
}

var certsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the certificates in the certificate directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := certDir(cmd)
		if err != nil {
			return err
		}
		infos, err := security.InspectBundle(dir)
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(infos)
	},
}

func init() {
	certsCmd.AddCommand(certsInitCmd)
	certsCmd.AddCommand(certsShowCmd)
	certsCmd.PersistentFlags().String("dir", "", "Certificate directory (default cluster.cert_dir)")
	certsInitCmd.Flags().StringSlice("host", nil, "Extra broker host name or IP (repeatable)")
	certsInitCmd.Flags().Bool("force", false, "Replace existing certificates")

	for _, cmd := range []*cobra.Command{publishCmd, statusCmd} {
		cmd.Flags().String("broker", "", "Broker address (default agent.broker_addr)")
		cmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for the broker")
	}

	dbCmd.AddCommand(dbInspectCmd)
	dbCmd.AddCommand(dbLastTickCmd)
	dbCmd.PersistentFlags().String("path", "", "Replay store path (default storage.path)")
	dbCmd.PersistentFlags().String("backend", "", "Replay store backend (default storage.backend)")
}
