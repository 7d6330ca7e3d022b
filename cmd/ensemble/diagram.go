package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/ensemble/internal/diagram"
	"github.com/rendis/ensemble/pkg/schema"
)

func newDiagramCommand(c *cli) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "diagram [FILE]",
		Short: "Render an ensemble flow as a Mermaid flowchart",
		Long: "Render the flow of an ensemble file as Mermaid. With --token the flow\n" +
			"is read from a pending suspension and colored with its step results.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (token == "") == (len(args) == 0) {
				return schema.NewError(schema.ErrCodeValidation, "pass either a FILE or --token")
			}
			return c.with(cmd, token == "", func(ctx context.Context, a *app) error {
				ens, statuses, err := diagramSource(ctx, a, args, token)
				if err != nil {
					return err
				}
				model, err := diagram.Build(ens, statuses)
				if err != nil {
					return err
				}
				fmt.Fprint(c.out, diagram.RenderMermaid(model))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "suspension token whose progress to overlay")
	return cmd
}

func diagramSource(ctx context.Context, a *app, args []string, token string) (*schema.Ensemble, map[string]string, error) {
	if token == "" {
		ens, err := a.loader.LoadFile(args[0])
		return ens, nil, err
	}
	st, err := a.manager.Store().Get(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	statuses := diagram.StatusesFromSteps(st.Context.Steps)
	if i := st.ResumeFromStep - 1; i >= 0 && i < len(st.Ensemble.Flow) {
		statuses[st.Ensemble.Flow[i].Key()] = diagram.StatusSuspended
	}
	return &st.Ensemble, statuses, nil
}
