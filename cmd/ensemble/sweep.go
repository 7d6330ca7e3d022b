package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/ensemble/internal/resumption"
)

func newSweepCommand(c *cli) *cobra.Command {
	var (
		daemon   bool
		schedule string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired suspensions",
		Long: `Purge expired suspensions once, or with --daemon on the configured cron
schedule until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.with(cmd, false, func(ctx context.Context, a *app) error {
				if !daemon {
					n, err := a.manager.Sweep(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.out, "purged %d expired suspensions\n", n)
					return nil
				}

				spec := a.cfg.SweepSchedule
				if schedule != "" {
					spec = schedule
				}
				sweeper, err := resumption.NewSweeper(a.manager, spec, a.logger)
				if err != nil {
					return err
				}
				if err := sweeper.Start(); err != nil {
					return err
				}
				<-ctx.Done()
				return sweeper.Stop(context.WithoutCancel(ctx))
			})
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "keep running and sweep on a schedule")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron spec overriding sweep_schedule")
	return cmd
}
