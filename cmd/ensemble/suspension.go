package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resume TOKEN",
		Short: "Continue an approved suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, false, func(ctx context.Context, a *app) error {
				res, err := a.executor.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return report(c, res)
			})
		},
	}
}

func newApproveCommand(c *cli) *cobra.Command {
	var (
		actor string
		data  string
	)
	cmd := &cobra.Command{
		Use:   "approve TOKEN",
		Short: "Approve a pending suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseInput(data, "")
			if err != nil {
				return err
			}
			approval, ok := payload.(map[string]any)
			if payload != nil && !ok {
				return fmt.Errorf("--data must be a JSON object")
			}
			return c.with(cmd, false, func(ctx context.Context, a *app) error {
				if err := a.manager.Approve(ctx, args[0], actor, approval); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "approved %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who approves")
	cmd.Flags().StringVar(&data, "data", "", "approval data as a JSON object, bound as resume.data")
	return cmd
}

func newRejectCommand(c *cli) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "reject TOKEN",
		Short: "Reject a pending suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, false, func(ctx context.Context, a *app) error {
				if err := a.manager.Reject(ctx, args[0], actor, reason); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "rejected %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who rejects")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func newCancelCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TOKEN",
		Short: "Delete a suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, false, func(ctx context.Context, a *app) error {
				if err := a.manager.Cancel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "cancelled %s\n", args[0])
				return nil
			})
		},
	}
}

func newStatusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status TOKEN",
		Short: "Show the metadata of a suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, false, func(ctx context.Context, a *app) error {
				meta, err := a.manager.GetMetadata(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c.out, meta)
			})
		},
	}
}
