package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/pkg/schema"
)

func newRunCommand(c *cli) *cobra.Command {
	var (
		input     string
		inputFile string
		env       []string
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute an ensemble YAML file",
		Long: `Execute an ensemble and print its result as JSON.

A suspended execution prints its resumption token; approve it and continue
with "ensemble resume TOKEN". Suspensions outlive the process only with the
libsql or redis store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInput(input, inputFile)
			if err != nil {
				return err
			}
			bindings, err := parseEnv(env)
			if err != nil {
				return err
			}
			return c.with(cmd, false, func(ctx context.Context, a *app) error {
				ens, err := a.loader.LoadFile(args[0])
				if err != nil {
					return err
				}
				a.executor.Register(ens)
				if watch {
					stop, err := follow(ctx, a.hub, streaming.Filter{Ensemble: ens.Name}, c.errOut)
					if err != nil {
						return err
					}
					defer stop()
				}
				res, err := a.executor.Execute(ctx, ens, in, bindings)
				if err != nil {
					return err
				}
				return report(c, res)
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "execution input as JSON")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read the execution input from a JSON file")
	cmd.Flags().StringArrayVar(&env, "env", nil, "environment binding key=value (repeatable)")
	cmd.Flags().BoolVar(&watch, "watch", false, "print execution events to stderr as JSON lines")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

// follow streams matching events to w until the returned stop is called.
// stop waits until every delivered event has been written.
func follow(ctx context.Context, hub streaming.Hub, filter streaming.Filter, w io.Writer) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(w)
		for evt := range ch {
			_ = enc.Encode(evt)
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

// report prints res and turns a failed execution into a command error.
func report(c *cli, res *schema.GraphExecutionResult) error {
	if err := printJSON(c.out, res); err != nil {
		return err
	}
	if res.Status == schema.ExecutionStatusFailed && res.Error != nil {
		return res.Error
	}
	return nil
}

func parseInput(raw, file string) (any, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		raw = string(data)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "input is not valid JSON: %s", err.Error())
	}
	return v, nil
}

func parseEnv(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "env binding %q must be key=value", p)
		}
		env[k] = v
	}
	return env, nil
}
