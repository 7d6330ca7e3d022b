package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/rendis/ensemble/pkg/schema"
)

func newEventsCommand(c *cli) *cobra.Command {
	var (
		since int64
		trace bool
	)
	cmd := &cobra.Command{
		Use:   "events EXECUTION_ID",
		Short: "Print the recorded events of an execution",
		Long: "Print the events recorded for an execution as JSON lines. With --trace\n" +
			"the events are folded into the per-step state of the execution instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, false, func(ctx context.Context, a *app) error {
				if a.events == nil {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"events are only recorded with the libsql store (store is %s)", a.cfg.Store)
				}
				if trace {
					tr, err := a.events.Replay(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(c.out, tr)
				}
				recs, err := a.events.Events(ctx, args[0], since)
				if err != nil {
					return err
				}
				if len(recs) == 0 && since == 0 {
					return schema.NewErrorf(schema.ErrCodeNotFound, "no events for execution %s", args[0])
				}
				enc := json.NewEncoder(c.out)
				for _, r := range recs {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only events with a greater sequence number")
	cmd.Flags().BoolVar(&trace, "trace", false, "print the replayed per-step state")
	return cmd
}
