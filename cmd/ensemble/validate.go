package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/ensemble/pkg/schema"
)

func newValidateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check ensemble YAML files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, true, func(_ context.Context, a *app) error {
				failed := 0
				for _, path := range args {
					ens, err := a.loader.LoadFile(path)
					if err != nil {
						failed++
						fmt.Fprintf(c.out, "FAIL %s\n", path)
						for _, msg := range issueMessages(err) {
							fmt.Fprintf(c.out, "  %s\n", msg)
						}
						continue
					}
					fmt.Fprintf(c.out, "ok   %s (%s, %d steps)\n", path, ens.Name, len(ens.Flow))
				}
				if failed > 0 {
					return schema.NewErrorf(schema.ErrCodeValidation, "%d of %d files failed validation", failed, len(args))
				}
				return nil
			})
		},
	}
}

// issueMessages lists every validation issue carried by err, or err itself.
func issueMessages(err error) []string {
	ee := schema.AsEnsembleError(err)
	issues, _ := ee.Details["errors"].([]schema.ValidationIssue)
	if len(issues) == 0 {
		return []string{err.Error()}
	}
	msgs := make([]string, len(issues))
	for i, issue := range issues {
		msgs[i] = issue.Message
	}
	return msgs
}
