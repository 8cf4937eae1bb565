// Command ptlbench measures round trips between two Portals interfaces on an
// in-process fabric.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "ptlbench",
		Short: "Portals loopback latency and bandwidth benchmark",
		Long: `ptlbench opens one target and a set of initiator interfaces on an
in-process fabric and drives puts, gets or atomics against the target.

Settings come from a ptlbench.yaml file, PTLBENCH_* environment variables
and flags, in increasing order of precedence.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			res, err := run(cmd.Context(), cfg, logger.Sugar())
			if err != nil {
				return err
			}
			res.print(cmd.OutOrStdout())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.String("op", "put", "operation: put, get or atomic")
	flags.Int("size", 64, "bytes per operation")
	flags.IntP("iterations", "n", 1000, "operations per worker")
	flags.IntP("workers", "w", 1, "concurrent initiator interfaces")
	flags.String("ack", "full", "put completion: full, ct or none")
	flags.Int("inline-limit", 1024, "largest put carried inline")
	flags.Bool("logical", false, "address peers by rank")
	flags.Bool("metrics", false, "collect and print Prometheus counters")
	flags.Bool("debug", false, "enable development logging")
	for key, flag := range map[string]string{
		"op":           "op",
		"size":         "size",
		"iterations":   "iterations",
		"workers":      "workers",
		"ack":          "ack",
		"inline_limit": "inline-limit",
		"logical":      "logical",
		"metrics":      "metrics",
		"debug":        "debug",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}
