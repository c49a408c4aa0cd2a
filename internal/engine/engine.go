package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hatchpad/runway/internal/expressions"
	"github.com/hatchpad/runway/internal/logging"
	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/internal/validation"
	"github.com/hatchpad/runway/pkg/schema"
)

// Reserved run context keys.
const (
	TaskContextKey    = "task"
	MetaContextKey    = "_meta"
	SessionContextKey = "_session"
)

// Config holds engine tunables.
type Config struct {
	// MaxConcurrentRuns bounds admission. Zero means the default.
	MaxConcurrentRuns int
}

// Deps wires the engine's collaborators. RunStore, Definitions and Executor
// are required; the rest default to no-ops or permissive stand-ins.
type Deps struct {
	RunStore    store.RunStore
	Definitions DefinitionStore
	Executor    StepExecutor
	Tasks       TaskProvider
	Broadcaster Broadcaster
	Authorizer  Authorizer
	Events      EventAppender
	Logger      *slog.Logger
}

// Engine owns the workflow run lifecycle: admission, creation, execution,
// blocking, resume, and gate decisions. One engine instance drives all runs
// of a process; a given run is only ever driven by one executor goroutine,
// enforced by the active registry.
type Engine struct {
	cfg         Config
	store       store.RunStore
	definitions DefinitionStore
	executor    StepExecutor
	tasks       TaskProvider
	broadcaster Broadcaster
	auth        Authorizer
	fsm         *FSM
	resolver    *PolicyResolver
	gate        *AdmissionGate
	registry    *ActiveRegistry
	conditions  map[string]expressions.Engine
	transformer *expressions.OutputTransformer
	logger      *slog.Logger
}

// NewEngine creates an engine from config and collaborators.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.RunStore == nil || deps.Definitions == nil || deps.Executor == nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"engine requires a run store, a definition store, and a step executor")
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NopBroadcaster{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	exprEngine := expressions.NewExprEngine()

	fsm := NewFSM(deps.Events, deps.Logger)
	return &Engine{
		cfg:         cfg,
		store:       deps.RunStore,
		definitions: deps.Definitions,
		executor:    deps.Executor,
		tasks:       deps.Tasks,
		broadcaster: deps.Broadcaster,
		auth:        deps.Authorizer,
		fsm:         fsm,
		resolver:    NewPolicyResolver(fsm),
		gate:        NewAdmissionGate(cfg.MaxConcurrentRuns),
		registry:    NewActiveRegistry(),
		conditions: map[string]expressions.Engine{
			celEngine.Name():  celEngine,
			exprEngine.Name(): exprEngine,
		},
		transformer: expressions.NewOutputTransformer(),
		logger:      deps.Logger,
	}, nil
}

// Gate exposes the admission gate for health reporting.
func (e *Engine) Gate() *AdmissionGate { return e.gate }

// Store exposes the run store for the read-only query layer.
func (e *Engine) Store() store.RunStore { return e.store }

// Start creates a run for the workflow, persists it, and launches execution
// without blocking the caller. The returned run is the freshly persisted
// record; progress is observed through the store or the broadcaster.
func (e *Engine) Start(ctx context.Context, workflowID, taskID string, initialContext map[string]any, requester string) (*store.WorkflowRun, error) {
	if !e.canExecute(ctx, workflowID, requester) {
		return nil, schema.NewErrorf(schema.ErrCodePermissionDenied,
			"requester %q may not execute workflow %s", requester, workflowID)
	}

	def, err := e.definitions.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if result := validation.ValidateDefinition(def); !result.Valid() {
		return nil, result.ToError()
	}

	// Admission is checked before any record exists so a rejected start
	// leaves no trace.
	if err := e.gate.TryAcquire(); err != nil {
		return nil, err
	}

	run := e.newRun(ctx, def, taskID, initialContext)

	if err := e.registry.Acquire(run.ID); err != nil {
		e.gate.Release()
		return nil, err
	}
	if err := e.store.Save(ctx, run); err != nil {
		e.registry.Release(run.ID)
		e.gate.Release()
		return nil, err
	}
	if err := e.store.Snapshot(ctx, run.ID, def); err != nil {
		e.registry.Release(run.ID)
		e.gate.Release()
		return nil, err
	}

	e.fsm.Emit(ctx, &store.Event{RunID: run.ID, Type: schema.EventRunStarted})
	e.broadcast(ctx, run, schema.EventRunStarted)

	e.launch(ctx, def, run, BuildQueue(def, run))
	return run, nil
}

// Resume relaunches a blocked run. The resume context is merged into the run
// context before execution continues from the first unsettled step. Failed
// steps are re-attempted in place, not reset.
func (e *Engine) Resume(ctx context.Context, runID string, resumeContext map[string]any, requester string) (*store.WorkflowRun, error) {
	run, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !e.canExecute(ctx, run.WorkflowID, requester) {
		return nil, schema.NewErrorf(schema.ErrCodePermissionDenied,
			"requester %q may not execute workflow %s", requester, run.WorkflowID)
	}
	if run.Status != schema.RunStatusBlocked {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"run %s is %s, only blocked runs can be resumed", runID, run.Status)
	}

	if err := e.registry.Acquire(run.ID); err != nil {
		return nil, err
	}
	// Resumed execution counts against the same admission ceiling as a
	// fresh start.
	if err := e.gate.TryAcquire(); err != nil {
		e.registry.Release(run.ID)
		return nil, err
	}

	def, err := e.store.LoadSnapshot(ctx, run.ID)
	if err != nil {
		e.registry.Release(run.ID)
		e.gate.Release()
		return nil, err
	}

	for k, v := range resumeContext {
		run.Context[k] = v
	}
	run.Error = ""
	if err := e.fsm.TransitionRun(ctx, run, schema.RunStatusRunning); err != nil {
		e.registry.Release(run.ID)
		e.gate.Release()
		return nil, err
	}
	if err := e.store.Save(ctx, run); err != nil {
		e.registry.Release(run.ID)
		e.gate.Release()
		return nil, err
	}
	e.broadcast(ctx, run, schema.EventRunResumed)

	e.launch(ctx, def, run, BuildQueue(def, run))
	return run, nil
}

// newRun builds the initial run record: one pending StepRun per definition
// step, context seeded from workflow variables, the optional task payload,
// caller-supplied initial values, and run metadata.
func (e *Engine) newRun(ctx context.Context, def *schema.WorkflowDefinition, taskID string, initialContext map[string]any) *store.WorkflowRun {
	now := time.Now().UTC()
	runID := uuid.NewString()

	runContext := make(map[string]any, len(def.Variables)+len(initialContext)+4)
	for k, v := range def.Variables {
		runContext[k] = v
	}
	if taskID != "" && e.tasks != nil {
		if task, err := e.tasks.GetTask(ctx, taskID); err != nil {
			e.logger.Warn("task payload unavailable",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		} else if task != nil {
			runContext[TaskContextKey] = task
		}
	}
	for k, v := range initialContext {
		runContext[k] = v
	}
	runContext[MetaContextKey] = map[string]any{
		"run_id":           runID,
		"workflow_id":      def.ID,
		"workflow_version": def.Version,
		"task_id":          taskID,
		"started_at":       now.Format(time.RFC3339),
	}
	runContext[SessionContextKey] = map[string]any{}

	steps := make([]*store.StepRun, 0, len(def.Steps))
	for i := range def.Steps {
		steps = append(steps, &store.StepRun{
			StepID: def.Steps[i].ID,
			Status: schema.StepPending,
		})
	}

	return &store.WorkflowRun{
		ID:              runID,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		TaskID:          taskID,
		Status:          schema.RunStatusRunning,
		CurrentStep:     def.Steps[0].ID,
		Context:         runContext,
		Steps:           steps,
		StartedAt:       now,
	}
}

// launch schedules the executor loop on its own goroutine. The loop outlives
// the caller's request context; cancellation of the start request must not
// kill an already-admitted run.
func (e *Engine) launch(ctx context.Context, def *schema.WorkflowDefinition, run *store.WorkflowRun, queue []*schema.Step) {
	loopCtx := logging.WithIDs(context.WithoutCancel(ctx), run.ID, "", run.WorkflowID)
	go e.execute(loopCtx, def, run, queue)
}

func (e *Engine) canExecute(ctx context.Context, workflowID, requester string) bool {
	if e.auth == nil {
		return true
	}
	return e.auth.CanExecute(ctx, workflowID, requester)
}

// broadcast publishes a status snapshot. Fire and forget: a publish failure
// is logged and never fails the run.
func (e *Engine) broadcast(ctx context.Context, run *store.WorkflowRun, eventType string) {
	if err := e.broadcaster.Publish(ctx, run); err != nil {
		e.logger.Warn("status broadcast failed",
			slog.String("run_id", run.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
