package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/ruleflow/pkg/config"
	"github.com/dukex/ruleflow/pkg/engine"
	"github.com/dukex/ruleflow/pkg/eventbus"
	"github.com/dukex/ruleflow/pkg/flow"
	"github.com/dukex/ruleflow/pkg/formatter"
	"github.com/dukex/ruleflow/pkg/identity"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/dukex/ruleflow/pkg/registry"
	"github.com/dukex/ruleflow/pkg/scripting"
	"github.com/dukex/ruleflow/pkg/triggers"
	"github.com/dukex/ruleflow/pkg/urls"
	"go.opentelemetry.io/otel/trace"
)

// EngineOptions configures NewEngine. Empty fields disable the matching
// collaborator.
type EngineOptions struct {
	Config         config.Engine
	UsersFile      string
	ContentBaseURL string
	PluginsPath    string
	Publisher      eventbus.EventPublisher
	Tracer         trace.Tracer
}

// Engine bundles the engine with the registry it was built from.
type Engine struct {
	*engine.Engine

	Registry *registry.Registry

	closeActions func() error
}

func (e *Engine) Close() error {
	return e.closeActions()
}

func NewEngine(logger *slog.Logger, store persistence.Persistence, opts EngineOptions) (*Engine, error) {
	var (
		users   protocol.UserResolver
		urlsGen protocol.URLGenerator
	)

	if opts.UsersFile != "" {
		directory, err := identity.Load(opts.UsersFile)
		if err != nil {
			return nil, err
		}

		logger.Info("loaded user directory", "users", directory.Len())

		users = directory
	}

	if opts.ContentBaseURL != "" {
		generator, err := urls.New(opts.ContentBaseURL)
		if err != nil {
			return nil, err
		}

		urlsGen = generator
	}

	renderer := formatter.New(users, urlsGen,
		formatter.WithUserTTL(opts.Config.UserCacheTTL),
		formatter.WithLogger(logger),
	)
	scripts := scripting.NewCUEEvaluator()

	reg, closeActions, err := NewRegistry(logger, opts.PluginsPath, renderer, scripts)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	executorOpts := []flow.Option{
		flow.WithRetryPolicy(opts.Config.Retry),
		flow.WithAttemptTimeout(opts.Config.AttemptTimeout),
		flow.WithScriptEvaluator(scripts),
		flow.WithLogger(logger),
	}

	if opts.Publisher != nil {
		executorOpts = append(executorOpts, flow.WithPublisher(opts.Publisher))
	}

	if opts.Tracer != nil {
		executorOpts = append(executorOpts, flow.WithTracer(opts.Tracer))
	}

	executor := flow.NewExecutor(reg, store.ExecutionRepository(), executorOpts...)
	evaluator := triggers.NewEvaluator(reg,
		triggers.WithMaxEventAge(opts.Config.MaxEventAge),
		triggers.WithLogger(logger),
	)

	engineOpts := []engine.Option{
		engine.WithConcurrency(opts.Config.Concurrency),
		engine.WithLogger(logger),
	}

	if opts.Publisher != nil {
		engineOpts = append(engineOpts, engine.WithPublisher(opts.Publisher))
	}

	eng := engine.New(store, evaluator, executor, reg, engineOpts...)

	return &Engine{Engine: eng, Registry: reg, closeActions: closeActions}, nil
}
