package main

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/rahul/jarvis/internal/agent"
	"github.com/rahul/jarvis/internal/capability"
	"github.com/rahul/jarvis/internal/governance"
	"github.com/rahul/jarvis/internal/observability"
	"github.com/rahul/jarvis/internal/planner"
	"github.com/rahul/jarvis/internal/service"
	"github.com/rahul/jarvis/internal/store"
	"github.com/rahul/jarvis/pkg/config"
)

// app holds the process-scoped components. Everything is built here and
// torn down by Close; nothing is a package-level singleton.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	recorder  *observability.Recorder
	status    *observability.Status
	db        *store.SQLiteStore
	backend   capability.Backend
	planner   planner.Planner
	executor  *agent.Executor
	orch      *agent.Orchestrator
	scheduler *agent.Scheduler
	svc       *service.Service
}

func buildApp(cfg *config.Config, logger *zap.Logger, pub agent.Publisher, connections func() int) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		recorder: observability.NewRecorder(cfg.Logger),
		status:   observability.NewStatus(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Memory.Path != "" {
		a.db, err = store.NewSQLiteStore(cfg.Memory.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	name, provider := cfg.GetDefaultProvider()
	var textModel, visionModel llms.Model
	if name != "" {
		textModel, err = newModel(name, provider, provider.Model)
		if err != nil {
			return nil, err
		}
		visionModel = textModel
		if provider.VisionModel != "" && provider.VisionModel != provider.Model {
			visionModel, err = newModel(name, provider, provider.VisionModel)
			if err != nil {
				return nil, err
			}
		}
	}

	var analyzer capability.Analyzer
	if visionModel != nil {
		analyzer = capability.NewVisionAnalyzer(visionModel, a.recorder, logger)
	}
	a.backend, err = newBackend(cfg.Capabilities, analyzer, logger)
	if err != nil {
		return nil, err
	}

	switch cfg.Agent.Planner {
	case "llm":
		if textModel == nil {
			return nil, fmt.Errorf("agent.planner is llm but no provider is enabled")
		}
		prompts := planner.NewPromptManager(cfg.App.Prompts, logger)
		a.planner = planner.NewLLMPlanner(textModel, prompts, a.recorder, logger)
	default:
		a.planner = planner.NewRulePlanner()
	}

	policy, err := governance.NewPolicyEngine(cfg.Capabilities.Policy.DenyActions, cfg.Capabilities.Policy.DenyArguments)
	if err != nil {
		return nil, err
	}
	a.executor = agent.NewExecutor(a.backend, a.backend, logger,
		agent.WithPolicy(policy),
		agent.WithActionTimeout(cfg.Capabilities.ActionTimeout),
	)

	orchOpts := []agent.Option{
		agent.WithFailurePolicy(agent.FailurePolicy(cfg.Agent.FailurePolicy)),
		agent.WithConfirmTimeout(cfg.Agent.ConfirmTimeout),
		agent.WithStatus(a.status),
		agent.WithRecorder(a.recorder),
	}
	if cfg.Agent.Journal && a.db != nil {
		orchOpts = append(orchOpts, agent.WithJournal(a.db))
	}
	a.orch = agent.NewOrchestrator(a.planner, a.executor, pub, logger, orchOpts...)

	var schedules agent.ScheduleStore
	if a.db != nil {
		schedules = a.db
	}
	a.scheduler = agent.NewScheduler(a.orch, schedules, cfg.Agent.MaxConcurrentSessions, cfg.Agent.QueueSize, cfg.Agent.SchedulePoll, logger)

	svcOpts := []service.Option{
		service.WithScheduler(a.scheduler),
		service.WithStatus(a.status),
	}
	if a.db != nil {
		svcOpts = append(svcOpts,
			service.WithHistory(a.db, cfg.Agent.HistoryLimit),
			service.WithSchedules(a.db),
		)
		if cfg.Agent.Journal {
			svcOpts = append(svcOpts, service.WithSessionLog(a.db))
		}
	}
	if connections != nil {
		svcOpts = append(svcOpts, service.WithConnections(connections))
	}
	a.svc = service.New(a.executor, a.planner, a.orch, logger, svcOpts...)
	return a, nil
}

// Close stops sessions and releases the backend, store and recorder.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("failed to close backend", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
	if err := a.recorder.Close(); err != nil {
		a.logger.Warn("failed to close llm log", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newModel(name string, p config.ProviderConfig, model string) (llms.Model, error) {
	switch name {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(p.APIKey),
			openai.WithModel(model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(opts...)
	}
	return nil, fmt.Errorf("provider %s not yet implemented", name)
}

func newBackend(cfg config.CapabilitiesConfig, analyzer capability.Analyzer, logger *zap.Logger) (capability.Backend, error) {
	switch cfg.Backend {
	case "desktop":
		var opts []capability.DesktopOption
		if analyzer != nil {
			opts = append(opts, capability.WithAnalyzer(analyzer))
		}
		d, err := capability.NewDesktopBackend(cfg.Display, cfg.ScreenshotDir, logger, opts...)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "browser":
		b, err := capability.NewBrowserBackend(cfg.Browser.Headless, cfg.Browser.StartURL, cfg.ActionTimeout, analyzer, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return capability.NewSimulatedBackend(), nil
}
