package main

import (
	"fmt"
	"io"

	"github.com/devrev/pairdb/gridcache/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "gridnode",
		Short: "Run and inspect a partitioned transactional cache node.",
		Long: `gridnode runs one member of a partitioned, replicated, transactional
in-memory cache. Settings come from an optional YAML file, GRIDCACHE_*
environment variables and command line flags, in increasing precedence.`,
		SilenceUsage: true,
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")
	addOverrideFlags(rc.PersistentFlags())

	rc.AddCommand(newServeCommand(stderr))
	rc.AddCommand(newConfigCommand(stdout))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func addOverrideFlags(flags *pflag.FlagSet) {
	flags.String("node-id", "", "Unique node id.")
	flags.String("host", "", "Peer transport bind host.")
	flags.Int("port", 0, "Peer transport port.")
	flags.String("data-dir", "", "Directory for swap files.")
	flags.Int("partitions", 0, "Number of partitions. Must match on every node.")
	flags.Int("backups", 0, "Backup copies per partition.")
	flags.String("discovery", "", "Membership mode: memberlist or standalone.")
	flags.Int("gossip-port", 0, "Memberlist gossip port.")
	flags.StringSlice("seeds", nil, "Comma separated gossip addresses of existing members.")
	flags.Int("http-port", 0, "Admin API port.")
	flags.String("log-level", "", "Log level: debug, info, warn or error.")
}

// loadConfig reads the configuration and applies the flags the user set
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, flags); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, flags *pflag.FlagSet) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && flags.Changed(name) {
			err = apply()
		}
	}
	set("node-id", func() (e error) { cfg.Node.ID, e = flags.GetString("node-id"); return })
	set("host", func() (e error) { cfg.Node.Host, e = flags.GetString("host"); return })
	set("port", func() (e error) { cfg.Node.Port, e = flags.GetInt("port"); return })
	set("data-dir", func() (e error) { cfg.Node.DataDir, e = flags.GetString("data-dir"); return })
	set("partitions", func() (e error) { cfg.Cluster.Partitions, e = flags.GetInt("partitions"); return })
	set("backups", func() (e error) { cfg.Cluster.Backups, e = flags.GetInt("backups"); return })
	set("discovery", func() (e error) { cfg.Cluster.Discovery, e = flags.GetString("discovery"); return })
	set("gossip-port", func() (e error) { cfg.Cluster.GossipPort, e = flags.GetInt("gossip-port"); return })
	set("seeds", func() (e error) { cfg.Cluster.Seeds, e = flags.GetStringSlice("seeds"); return })
	set("http-port", func() (e error) { cfg.HTTP.Port, e = flags.GetInt("http-port"); return })
	set("log-level", func() (e error) { cfg.Logging.Level, e = flags.GetString("log-level"); return })
	return err
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format != "" {
		zc.Encoding = cfg.Format
	}
	return zc.Build()
}

func newConfigCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			data, err := cfg.Dump()
			if err != nil {
				return err
			}
			_, err = stdout.Write(data)
			return err
		},
	}
}
