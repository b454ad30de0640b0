package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/observability"
	"github.com/rahul/jarvis/pkg/config"
)

type rootOptions struct {
	configPath string
	backend    string
	planner    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "jarvis",
		Short: "Desktop agent orchestrator",
		Long: `jarvis turns natural-language commands into plans of screen perception
and input steps, executes them against a desktop, browser or simulated
backend, and streams progress to WebSocket observers.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (defaults when empty)")
	cmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "override capabilities.backend (desktop, browser, simulated)")
	cmd.PersistentFlags().StringVar(&opts.planner, "planner", "", "override agent.planner (llm, rules)")

	cmd.AddCommand(newServeCmd(opts), newRunCmd(opts), newPlanCmd(opts))
	return cmd
}

// load reads the config, applies flag overrides and builds the logger.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.backend != "" || o.planner != "" {
		if o.backend != "" {
			cfg.Capabilities.Backend = o.backend
		}
		if o.planner != "" {
			cfg.Agent.Planner = o.planner
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
