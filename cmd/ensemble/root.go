package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// cli carries the writers and the lazily opened app of one invocation.
type cli struct {
	out, errOut io.Writer
	app         *app
	stopMetrics func(context.Context) error
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "ensemble",
		Short: "Run and manage ensemble workflows",
		Long: `ensemble executes declarative multi-agent workflows.

Configuration is read from $ENSEMBLE_HOME/settings.json (default ~/.ensemble),
then ENSEMBLE_* environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("store", "", "suspension store: memory, redis or libsql")
	pf.String("redis-addr", "", "redis address for the redis store")
	pf.String("db-path", "", "database file for the libsql store")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	pf.Duration("agent-timeout", 0, "default timeout for one agent invocation")

	root.AddCommand(
		newRunCommand(c),
		newValidateCommand(c),
		newResumeCommand(c),
		newApproveCommand(c),
		newRejectCommand(c),
		newCancelCommand(c),
		newStatusCommand(c),
		newSweepCommand(c),
		newDiagramCommand(c),
		newEventsCommand(c),
	)
	return root
}

// open builds the app from the layered configuration. Commands that never
// touch suspensions pass ephemeral to skip the durable store.
func (c *cli) open(cmd *cobra.Command, ephemeral bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyFlags(&cfg, cmd.Flags()); err != nil {
		return nil, err
	}
	if ephemeral {
		cfg.Store = "memory"
	}
	a, err := newApp(cmd.Context(), cfg, c.out, c.errOut)
	if err != nil {
		return nil, err
	}
	c.app = a
	if cfg.MetricsAddr != "" {
		c.stopMetrics = serveMetrics(cfg.MetricsAddr, a.collector.Handler(), a.logger)
	}
	return a, nil
}

// with opens the app, runs fn and releases the app whatever fn returns.
func (c *cli) with(cmd *cobra.Command, ephemeral bool, fn func(ctx context.Context, a *app) error) error {
	a, err := c.open(cmd, ephemeral)
	if err != nil {
		return err
	}
	err = fn(cmd.Context(), a)
	if closeErr := c.close(cmd.Context()); err == nil {
		err = closeErr
	}
	return err
}

func (c *cli) close(ctx context.Context) error {
	if c.stopMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = c.stopMetrics(shutdownCtx)
		c.stopMetrics = nil
	}
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
