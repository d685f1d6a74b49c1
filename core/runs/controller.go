package runs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/logger"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/engine"
	"github.com/iceos-ai/iceos/core/events"
	"github.com/iceos-ai/iceos/core/execctx"
	"github.com/iceos-ai/iceos/core/memory"
	"github.com/iceos-ai/iceos/core/plan"
)

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	Blueprints *blueprint.Store
	Compiler   *plan.Compiler
	Engine     *engine.Engine
	Store      *Store
	Archive    *Archive // nil disables archival
	Bus        events.Bus
	Memory     memory.Factory

	// BudgetUSD is the per-run ceiling applied when a request does not
	// set its own lower ceiling.
	BudgetUSD float64

	Logger *logger.Logger
}

// Controller drives runs through their lifecycle: budget pre-flight,
// background execution, terminal snapshot and archival.
type Controller struct {
	blueprints *blueprint.Store
	compiler   *plan.Compiler
	engine     *engine.Engine
	store      *Store
	archive    *Archive
	bus        events.Bus
	memFactory memory.Factory
	budgetUSD  float64
	log        *logger.Logger

	mu     sync.Mutex
	active map[string]*execctx.Context
	wg     sync.WaitGroup
}

// NewController creates a controller.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		blueprints: cfg.Blueprints,
		compiler:   cfg.Compiler,
		engine:     cfg.Engine,
		store:      cfg.Store,
		archive:    cfg.Archive,
		bus:        cfg.Bus,
		memFactory: cfg.Memory,
		budgetUSD:  cfg.BudgetUSD,
		log:        cfg.Logger.WithComponent("runs"),
	}
}

// StartRequest describes a run submission. Exactly one of BlueprintID
// and Blueprint must be set; an inline blueprint is executed without
// being persisted.
type StartRequest struct {
	BlueprintID string               `json:"blueprint_id,omitempty"`
	Blueprint   *blueprint.Blueprint `json:"blueprint,omitempty"`
	Inputs      map[string]any       `json:"inputs,omitempty"`
	Options     RunOptions           `json:"options,omitempty"`

	// CeilingUSD lowers the run's budget below the configured default.
	// Zero means "use the default".
	CeilingUSD float64 `json:"ceiling_usd,omitempty"`
}

// RunOptions tunes one run.
type RunOptions struct {
	// MaxParallel caps in-level concurrency for this run only. Zero uses
	// the engine default.
	MaxParallel int `json:"max_parallel,omitempty"`
}

// Start validates, pre-flights the budget, persists a pending snapshot
// and launches the run in the background. The returned snapshot is in
// status running.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*Run, error) {
	var bp *blueprint.Blueprint
	switch {
	case req.BlueprintID != "" && req.Blueprint != nil:
		return nil, apperrors.New(apperrors.KindValidation,
			"blueprint_id and blueprint are mutually exclusive")
	case req.BlueprintID != "":
		stored, _, err := c.blueprints.Get(ctx, req.BlueprintID)
		if err != nil {
			return nil, err
		}
		bp = stored
	case req.Blueprint != nil:
		bp = req.Blueprint
	default:
		return nil, apperrors.New(apperrors.KindValidation, "blueprint_id or blueprint is required")
	}

	compiled, err := c.compiler.Compile(ctx, bp)
	if err != nil {
		return nil, err
	}

	ceiling := c.budgetUSD
	if req.CeilingUSD > 0 && (ceiling == 0 || req.CeilingUSD < ceiling) {
		ceiling = req.CeilingUSD
	}
	if ceiling > 0 && compiled.EstimateUSD > ceiling {
		return nil, apperrors.New(apperrors.KindBudgetExceeded,
			"estimated cost %.4f USD exceeds ceiling %.4f USD", compiled.EstimateUSD, ceiling).
			WithDetails(map[string]any{
				"estimate_usd": compiled.EstimateUSD,
				"ceiling_usd":  ceiling,
			})
	}

	now := time.Now().UTC()
	run := &Run{
		ID:          uuid.NewString(),
		BlueprintID: bp.ID,
		Fingerprint: compiled.Fingerprint,
		Status:      StatusPending,
		Inputs:      req.Inputs,
		EstimateUSD: compiled.EstimateUSD,
		CreatedAt:   now,
	}
	if err := c.store.Save(ctx, run); err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	run.Status = StatusRunning
	run.StartedAt = &started
	if err := c.store.Save(ctx, run); err != nil {
		return nil, err
	}

	// The run outlives the HTTP request that started it.
	runCtx, cancel := context.WithCancel(context.Background())
	ec := execctx.New(run.ID, ceiling, c.memFactory, cancel)

	c.mu.Lock()
	if c.active == nil {
		c.active = make(map[string]*execctx.Context)
	}
	c.active[run.ID] = ec
	c.mu.Unlock()

	c.wg.Add(1)
	go c.execute(runCtx, cancel, compiled, ec, run, req.Options)

	return run, nil
}

func (c *Controller) execute(ctx context.Context, cancel context.CancelFunc, compiled *plan.Plan, ec *execctx.Context, run *Run, opts RunOptions) {
	defer c.wg.Done()
	defer cancel()
	defer func() {
		c.mu.Lock()
		delete(c.active, run.ID)
		c.mu.Unlock()
	}()

	log := c.log.WithRunID(run.ID)
	em := events.NewEmitter(c.bus, run.ID)

	if _, err := em.Emit(ctx, events.RunStarted, "", map[string]any{
		"blueprint_id": run.BlueprintID,
		"fingerprint":  run.Fingerprint,
		"estimate_usd": run.EstimateUSD,
	}); err != nil {
		log.Warn("run.started emission failed", "error", err)
	}

	runErr := c.engine.ExecutePlanWithOptions(ctx, compiled, ec, em, run.Inputs,
		engine.ExecOptions{MaxParallel: opts.MaxParallel})

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.CostUSD = ec.Cost()
	run.Outputs = ec.Outputs()
	for _, err := range ec.Errors() {
		if ne := toNodeError(err); ne != nil {
			run.Errors = append(run.Errors, *ne)
		}
	}

	switch {
	case runErr == nil:
		run.Status = StatusSucceeded
	case apperrors.IsKind(runErr, apperrors.KindCancelled):
		run.Status = StatusCanceled
		run.Error = toNodeError(runErr)
	default:
		run.Status = StatusFailed
		run.Error = toNodeError(runErr)
	}

	if _, err := em.Emit(context.Background(), events.RunFinished, "", map[string]any{
		"status":   string(run.Status),
		"success":  run.Status == StatusSucceeded,
		"cost_usd": run.CostUSD,
	}); err != nil {
		log.Warn("run.finished emission failed", "error", err)
	}

	if err := c.store.Save(context.Background(), run); err != nil {
		log.Error("terminal snapshot write failed", "error", err)
	}
	if c.archive != nil {
		archiveCtx, archiveCancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer archiveCancel()
		if err := c.archive.Insert(archiveCtx, run); err != nil {
			log.Warn("run archival failed", "error", err)
		}
	}

	log.Info("run finished", "status", string(run.Status), "cost_usd", run.CostUSD)
}

// Get returns a run snapshot.
func (c *Controller) Get(ctx context.Context, runID string) (*Run, error) {
	return c.store.Get(ctx, runID)
}

// Cancel requests cancellation of a live run. Terminal runs return
// Validation; unknown runs return NotFound.
func (c *Controller) Cancel(ctx context.Context, runID string) (*Run, error) {
	run, err := c.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, apperrors.New(apperrors.KindValidation,
			"run %s is already %s", runID, run.Status)
	}

	c.mu.Lock()
	ec, live := c.active[runID]
	c.mu.Unlock()
	if live {
		ec.Cancel()
		return run, nil
	}

	// The process lost the run (restart); settle the snapshot directly.
	now := time.Now().UTC()
	run.Status = StatusCanceled
	run.FinishedAt = &now
	if err := c.store.Save(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// List returns archived runs when an archive is configured, otherwise
// the KV snapshots.
func (c *Controller) List(ctx context.Context, filter ListFilter) ([]*Run, error) {
	if c.archive != nil {
		return c.archive.List(ctx, filter)
	}
	all, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(all))
	for _, run := range all {
		if filter.BlueprintID != "" && run.BlueprintID != filter.BlueprintID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

// Events reads a run's event records after sinceSeq.
func (c *Controller) Events(ctx context.Context, runID string, sinceSeq int64) ([]events.Record, error) {
	if _, err := c.store.Get(ctx, runID); err != nil {
		return nil, err
	}
	return c.bus.Read(ctx, runID, sinceSeq)
}

// Subscribe follows a run's event stream.
func (c *Controller) Subscribe(ctx context.Context, runID string, sinceSeq int64) (<-chan events.Record, func(), error) {
	if _, err := c.store.Get(ctx, runID); err != nil {
		return nil, nil, err
	}
	return c.bus.Subscribe(ctx, runID, sinceSeq)
}

// Drain waits for in-flight runs, for graceful shutdown.
func (c *Controller) Drain() {
	c.wg.Wait()
}
