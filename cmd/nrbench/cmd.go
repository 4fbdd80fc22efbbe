package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/noderep/internal/config"
	"github.com/dreamware/noderep/internal/logging"
	"github.com/dreamware/noderep/internal/topology"
)

// cli carries state shared by every command.
type cli struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "nrbench",
		Short:        "Benchmark driver for node-replicated data structures",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if c.logLevel != "" {
				cfg.Logging.Level = c.logLevel
			}
			c.cfg = cfg

			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "nrbench.yaml", "config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(c.runCmd(), c.configCmd(), c.topologyCmd())
	return root
}

func (c *cli) runCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workload and report throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.applyFlags(cmd)

			b, err := NewBench(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			if addr := c.cfg.Bench.HTTPAddr; addr != "" {
				srv, err := newDebugServer(b, addr)
				if err != nil {
					return err
				}
				go srv.Serve()
				defer srv.Shutdown()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := b.Run(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, report)
			}
			if !report.Converged {
				return fmt.Errorf("run %s: replicas diverged", report.RunID)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("workload", "", "workload: counter or kv")
	f.Duration("duration", 0, "run length")
	f.Int("shards", 0, "number of logs (kv)")
	f.Int("domains", 0, "replicas per log")
	f.Int("threads", 0, "goroutines per domain")
	f.Int("keys", 0, "key space (kv)")
	f.Float64("write-ratio", 0, "fraction of operations that write")
	f.Float64("rate", 0, "operations per second per goroutine, 0 for closed loop")
	f.Bool("pin", false, "pin goroutines to their domain's CPUs")
	f.Bool("baseline", false, "run against a single locked copy instead")
	f.String("http", "", "debug server address")
	f.BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// applyFlags copies explicitly set flags over the loaded config.
func (c *cli) applyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	cfg := c.cfg
	if f.Changed("workload") {
		cfg.Bench.Workload, _ = f.GetString("workload")
	}
	if f.Changed("duration") {
		d, _ := f.GetDuration("duration")
		cfg.Bench.Duration = d.String()
	}
	if f.Changed("shards") {
		cfg.Shards, _ = f.GetInt("shards")
	}
	if f.Changed("domains") {
		cfg.Domains, _ = f.GetInt("domains")
	}
	if f.Changed("threads") {
		cfg.ThreadsPerDomain, _ = f.GetInt("threads")
	}
	if f.Changed("keys") {
		cfg.Bench.Keys, _ = f.GetInt("keys")
	}
	if f.Changed("write-ratio") {
		cfg.Bench.WriteRatio, _ = f.GetFloat64("write-ratio")
	}
	if f.Changed("rate") {
		cfg.Bench.Rate, _ = f.GetFloat64("rate")
	}
	if f.Changed("pin") {
		cfg.Bench.Pin, _ = f.GetBool("pin")
	}
	if f.Changed("baseline") {
		cfg.Bench.Baseline, _ = f.GetBool("baseline")
	}
	if f.Changed("http") {
		cfg.Bench.HTTPAddr, _ = f.GetString("http")
	}
}

func (c *cli) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.Validate(); err != nil {
				c.logger.Warn("configuration has problems", zap.Error(err))
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			if err := enc.Encode(c.cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func (c *cli) topologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Print how CPUs are split into domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := topology.Detect(c.cfg.Domains)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d cpus visible, %d in affinity mask\n", runtime.NumCPU(), t.CPUs)
			for _, d := range t.Domains {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}
}
