// Package container wires the orchestrator's services once at startup
// (singleton pattern): stores over Redis, the registry with built-in and
// manifest components, the compiler, the engine and the run controller.
package container

import (
	"context"
	"fmt"

	"github.com/iceos-ai/iceos/common/bootstrap"
	"github.com/iceos-ai/iceos/common/ratelimit"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/engine"
	"github.com/iceos-ai/iceos/core/events"
	"github.com/iceos-ai/iceos/core/expr"
	"github.com/iceos-ai/iceos/core/kv"
	"github.com/iceos-ai/iceos/core/llm"
	"github.com/iceos-ai/iceos/core/memory"
	"github.com/iceos-ai/iceos/core/plan"
	"github.com/iceos-ai/iceos/core/registry"
	"github.com/iceos-ai/iceos/core/runs"
	"github.com/iceos-ai/iceos/core/sandbox"
	"github.com/iceos-ai/iceos/core/tools"
)

// Container holds all initialized services.
type Container struct {
	Components *bootstrap.Components

	Store      kv.Store
	Blueprints *blueprint.Store
	Registry   *registry.Registry
	Evaluator  *expr.Evaluator
	Catalog    llm.Catalog
	Providers  llm.Providers
	Compiler   *plan.Compiler
	Sandbox    *sandbox.Sandbox
	Bus        events.Bus
	Engine     *engine.Engine
	Runs       *runs.Controller

	// Limiter is nil when run rate limiting is disabled.
	Limiter *ratelimit.Limiter
}

// New initializes all services bottom-up: stores, registry, compiler,
// engine, controller.
func New(ctx context.Context, components *bootstrap.Components, providers llm.Providers) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	store := kv.NewRedisStore(components.Redis)
	blueprints := blueprint.NewStore(store, log)

	reg := registry.New(store, log)
	if err := tools.RegisterBuiltins(ctx, reg); err != nil {
		return nil, fmt.Errorf("seed built-in tools: %w", err)
	}
	if len(cfg.Engine.ManifestPaths) > 0 {
		if err := reg.LoadManifests(ctx, cfg.Engine.ManifestPaths); err != nil {
			return nil, fmt.Errorf("load component manifests: %w", err)
		}
	}
	if err := reg.ReloadFromStore(ctx); err != nil {
		return nil, fmt.Errorf("reload components: %w", err)
	}

	eval, err := expr.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create expression evaluator: %w", err)
	}
	catalog := llm.DefaultCatalog()
	compiler := plan.NewCompiler(reg, eval, catalog, log)

	if providers == nil {
		providers = llm.Providers{"mock": &llm.MockProvider{}}
	}

	box := sandbox.New(cfg.Sandbox.MemMB, cfg.Sandbox.CPUMs)
	bus := events.NewRedisBus(components.Redis, cfg.Engine.EventRetention, log)

	eng := engine.New(engine.Config{
		Registry:    reg,
		Providers:   providers,
		Catalog:     catalog,
		Sandbox:     box,
		Evaluator:   eval,
		Compiler:    compiler,
		MaxParallel: cfg.Engine.MaxParallelDefault,
		Logger:      log,
	})

	var archive *runs.Archive
	if components.DB != nil {
		archive = runs.NewArchive(components.DB, log)
		if err := archive.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure run archive schema: %w", err)
		}
	}

	controller := runs.NewController(runs.ControllerConfig{
		Blueprints: blueprints,
		Compiler:   compiler,
		Engine:     eng,
		Store:      runs.NewStore(store),
		Archive:    archive,
		Bus:        bus,
		Memory:     memory.InMemoryFactory(),
		BudgetUSD:  cfg.Engine.BudgetUSD,
		Logger:     log,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.GlobalPerMinute > 0 && components.Redis != nil {
		limiter = ratelimit.New(components.Redis.GetUnderlying(), log)
	}

	return &Container{
		Components: components,
		Store:      store,
		Blueprints: blueprints,
		Registry:   reg,
		Evaluator:  eval,
		Catalog:    catalog,
		Providers:  providers,
		Compiler:   compiler,
		Sandbox:    box,
		Bus:        bus,
		Engine:     eng,
		Runs:       controller,
		Limiter:    limiter,
	}, nil
}
