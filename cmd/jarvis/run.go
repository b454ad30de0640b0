package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/agent"
	"github.com/rahul/jarvis/internal/service"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		mode   string
		policy string
	)
	cmd := &cobra.Command{
		Use:   "run [command]",
		Short: "Plan and execute one command, then print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			pub := agent.PublisherFunc(func(evt agent.Event) {
				logger.Info("progress",
					zap.String("session_id", evt.SessionID),
					zap.String("event", string(evt.Type)),
					zap.Any("payload", evt.Payload))
			})
			a, err := buildApp(cfg, logger, pub, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			resp := a.svc.Command(cmd.Context(), service.CommandRequest{
				Command: strings.Join(args, " "),
				Mode:    mode,
				Policy:  policy,
			})
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("%s", resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode (auto, plan_only); defaults to auto")
	cmd.Flags().StringVar(&policy, "policy", "", "failure policy (abort, continue)")
	return cmd
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [goal]",
		Short: "Print the plan for a goal without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger, agent.PublisherFunc(func(agent.Event) {}), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			resp := a.svc.Plan(cmd.Context(), service.PlanRequest{Goal: strings.Join(args, " ")})
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("%s", resp.Error)
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
