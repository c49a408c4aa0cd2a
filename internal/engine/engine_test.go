package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// --- Test doubles ---

type stubDefs struct {
	defs map[string]*schema.WorkflowDefinition
}

func (s *stubDefs) Load(_ context.Context, workflowID string) (*schema.WorkflowDefinition, error) {
	def, ok := s.defs[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", workflowID)
	}
	return def, nil
}

// stubExecutor routes each step to a per-step handler and counts attempts.
type stubExecutor struct {
	mu       sync.Mutex
	attempts map[string]int
	handlers map[string]func(attempt int) (*StepOutput, error)
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		attempts: make(map[string]int),
		handlers: make(map[string]func(int) (*StepOutput, error)),
	}
}

func (s *stubExecutor) on(stepID string, fn func(attempt int) (*StepOutput, error)) {
	s.handlers[stepID] = fn
}

func (s *stubExecutor) count(stepID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[stepID]
}

func (s *stubExecutor) Execute(_ context.Context, step *schema.Step, _ *store.WorkflowRun) (*StepOutput, error) {
	s.mu.Lock()
	s.attempts[step.ID]++
	attempt := s.attempts[step.ID]
	fn := s.handlers[step.ID]
	s.mu.Unlock()
	if fn == nil {
		return &StepOutput{Output: json.RawMessage(`{"ok":true}`)}, nil
	}
	return fn(attempt)
}

func succeed(_ int) (*StepOutput, error) {
	return &StepOutput{Output: json.RawMessage(`{"ok":true}`)}, nil
}

func fail(_ int) (*StepOutput, error) {
	return nil, errors.New("boom")
}

type testHarness struct {
	engine   *Engine
	store    *store.FileRunStore
	executor *stubExecutor
}

func newHarness(t *testing.T, defs map[string]*schema.WorkflowDefinition, cfg Config) *testHarness {
	t.Helper()
	runStore, err := store.NewFileRunStore(t.TempDir(), nil)
	require.NoError(t, err)

	executor := newStubExecutor()
	eng, err := NewEngine(cfg, Deps{
		RunStore:    runStore,
		Definitions: &stubDefs{defs: defs},
		Executor:    executor,
	})
	require.NoError(t, err)
	return &testHarness{engine: eng, store: runStore, executor: executor}
}

// waitForRun polls until the predicate holds or the test times out.
func (h *testHarness) waitForRun(t *testing.T, runID string, pred func(*store.WorkflowRun) bool) *store.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.store.Load(context.Background(), runID)
		if err == nil && pred(run) {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach expected state", runID)
	return nil
}

func statusIs(status schema.RunStatus) func(*store.WorkflowRun) bool {
	return func(r *store.WorkflowRun) bool { return r.Status == status }
}

func simpleWorkflow(id string, steps ...schema.Step) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{ID: id, Version: 1, Steps: steps}
}

// --- Run creation ---

func TestNewRunShape(t *testing.T) {
	def := simpleWorkflow("wf",
		schema.Step{ID: "fetch"},
		schema.Step{ID: "transform"},
		schema.Step{ID: "publish"},
	)
	def.Variables = map[string]any{"region": "eu"}
	h := newHarness(t, nil, Config{})

	run := h.engine.newRun(context.Background(), def, "", map[string]any{"extra": 1})

	require.Len(t, run.Steps, 3)
	for _, sr := range run.Steps {
		assert.Equal(t, schema.StepPending, sr.Status)
		assert.Zero(t, sr.Retries)
	}
	assert.Equal(t, "fetch", run.CurrentStep)
	assert.Equal(t, schema.RunStatusRunning, run.Status)
	assert.Equal(t, "eu", run.Context["region"])
	assert.Equal(t, 1, run.Context["extra"])
	assert.Contains(t, run.Context, MetaContextKey)
	assert.Contains(t, run.Context, SessionContextKey)
	assert.NoError(t, schema.ValidateRunID(run.ID))
}

func TestStartUnknownWorkflow(t *testing.T) {
	h := newHarness(t, map[string]*schema.WorkflowDefinition{}, Config{})

	_, err := h.engine.Start(context.Background(), "missing", "", nil, "tester")
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeNotFound, rerr.Code)
}

// --- Happy path ---

func TestRunCompletes(t *testing.T) {
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf", schema.Step{ID: "a"}, schema.Step{ID: "b"}),
	}
	h := newHarness(t, defs, Config{})

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)

	final := h.waitForRun(t, run.ID, statusIs(schema.RunStatusCompleted))
	assert.True(t, final.AllStepsSettled())
	assert.NotNil(t, final.CompletedAt)
	assert.Empty(t, final.CurrentStep)
	// Outputs are merged into the context under the step id.
	assert.Equal(t, map[string]any{"ok": true}, final.Context["a"])
	assert.Equal(t, 1, h.executor.count("a"))
	assert.Equal(t, 1, h.executor.count("b"))
}

// --- Retry policy ---

func TestRetryExhaustionFailsRun(t *testing.T) {
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf", schema.Step{
			ID:        "flaky",
			OnFailure: &schema.FailurePolicy{Retry: &schema.RetryPolicy{Count: 2}},
		}),
	}
	h := newHarness(t, defs, Config{})
	h.executor.on("flaky", fail)

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)

	final := h.waitForRun(t, run.ID, statusIs(schema.RunStatusFailed))
	// One initial attempt plus two retries.
	assert.Equal(t, 3, h.executor.count("flaky"))
	sr := final.StepRunByID("flaky")
	assert.Equal(t, schema.StepFailed, sr.Status)
	assert.Equal(t, 2, sr.Retries)
	assert.NotEmpty(t, final.Error)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf", schema.Step{
			ID:        "flaky",
			OnFailure: &schema.FailurePolicy{Retry: &schema.RetryPolicy{Count: 3}},
		}),
	}
	h := newHarness(t, defs, Config{})
	h.executor.on("flaky", func(attempt int) (*StepOutput, error) {
		if attempt < 3 {
			return nil, errors.New("boom")
		}
		return succeed(attempt)
	})

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)

	final := h.waitForRun(t, run.ID, statusIs(schema.RunStatusCompleted))
	sr := final.StepRunByID("flaky")
	assert.Equal(t, schema.StepCompleted, sr.Status)
	assert.Equal(t, 2, sr.Retries)
}

// --- Escalation policies ---

func TestEscalateHumanBlocksAndResumeReattempts(t *testing.T) {
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf",
			schema.Step{
				ID:        "review",
				OnFailure: &schema.FailurePolicy{Escalate: &schema.EscalatePolicy{To: schema.EscalateHuman, Message: "needs review"}},
			},
			schema.Step{ID: "after"},
		),
	}
	h := newHarness(t, defs, Config{})
	h.executor.on("review", func(attempt int) (*StepOutput, error) {
		if attempt == 1 {
			return nil, errors.New("boom")
		}
		return succeed(attempt)
	})

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)

	blocked := h.waitForRun(t, run.ID, statusIs(schema.RunStatusBlocked))
	assert.Equal(t, "needs review", blocked.Error)
	assert.Equal(t, schema.StepFailed, blocked.StepRunByID("review").Status)
	assert.Equal(t, schema.StepPending, blocked.StepRunByID("after").Status)

	_, err = h.engine.Resume(context.Background(), run.ID, map[string]any{"approved": true}, "tester")
	require.NoError(t, err)

	final := h.waitForRun(t, run.ID, statusIs(schema.RunStatusCompleted))
	assert.Equal(t, schema.StepCompleted, final.StepRunByID("review").Status)
	assert.Equal(t, true, final.Context["approved"])
	// The re-attempt went failed -> running, not through a pending reset.
	assert.Equal(t, 2, h.executor.count("review"))
	assert.Zero(t, final.StepRunByID("review").Retries)
}

func TestEscalateSkipCompletesRun(t *testing.T) {
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf",
			schema.Step{ID: "fetch"},
			schema.Step{ID: "transform"},
			schema.Step{
				ID:        "publish",
				OnFailure: &schema.FailurePolicy{Escalate: &schema.EscalatePolicy{To: schema.EscalateSkip}},
			},
		),
	}
	h := newHarness(t, defs, Config{})
	h.executor.on("publish", fail)

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)

	final := h.waitForRun(t, run.ID, statusIs(schema.RunStatusCompleted))
	assert.Equal(t, schema.StepSkipped, final.StepRunByID("publish").Status)
	assert.Equal(t, schema.StepCompleted, final.StepRunByID("fetch").Status)
}

func TestEscalateAgentFailsRun(t *testing.T) {
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf", schema.Step{
			ID:        "handoff",
			OnFailure: &schema.FailurePolicy{Escalate: &schema.EscalatePolicy{To: "agent:reviewer"}},
		}),
	}
	h := newHarness(t, defs, Config{})
	h.executor.on("handoff", fail)

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)

	final := h.waitForRun(t, run.ID, statusIs(schema.RunStatusFailed))
	assert.Contains(t, final.Error, "not supported")
}

func TestNoPolicyFailsRun(t *testing.T) {
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf", schema.Step{ID: "only"}, schema.Step{ID: "never"}),
	}
	h := newHarness(t, defs, Config{})
	h.executor.on("only", fail)

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)

	final := h.waitForRun(t, run.ID, statusIs(schema.RunStatusFailed))
	assert.Equal(t, schema.StepFailed, final.StepRunByID("only").Status)
	assert.Equal(t, schema.StepPending, final.StepRunByID("never").Status)
	assert.Equal(t, 0, h.executor.count("never"))
}

// --- Retry-step (reroute) ---

func TestRetryStepReplaysFromTarget(t *testing.T) {
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf",
			schema.Step{ID: "fetch"},
			schema.Step{ID: "transform"},
			schema.Step{
				ID:        "verify",
				OnFailure: &schema.FailurePolicy{RetryStep: &schema.RetryStepPolicy{TargetStepID: "fetch"}},
			},
		),
	}
	h := newHarness(t, defs, Config{})
	h.executor.on("verify", func(attempt int) (*StepOutput, error) {
		if attempt == 1 {
			return nil, errors.New("stale data")
		}
		return succeed(attempt)
	})

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)

	final := h.waitForRun(t, run.ID, statusIs(schema.RunStatusCompleted))
	// fetch was reset and re-executed; transform stayed completed and was
	// skipped by the rebuilt queue.
	assert.Equal(t, 2, h.executor.count("fetch"))
	assert.Equal(t, 1, h.executor.count("transform"))
	assert.Equal(t, 2, h.executor.count("verify"))

	retryCtx, ok := final.Context[RetryContextKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "verify", retryCtx["failed_step"])
	assert.Equal(t, "fetch", retryCtx["target_step"])
}

func TestRetryStepUnknownTargetFailsRun(t *testing.T) {
	def := simpleWorkflow("wf",
		schema.Step{ID: "a", OnFailure: &schema.FailurePolicy{RetryStep: &schema.RetryStepPolicy{TargetStepID: "ghost"}}},
	)
	h := newHarness(t, nil, Config{})
	run := h.engine.newRun(context.Background(), def, "", nil)
	require.NoError(t, h.store.Save(context.Background(), run))

	sr := run.StepRunByID("a")
	sr.Status = schema.StepFailed
	sr.Error = "boom"

	res, err := h.engine.resolver.Resolve(context.Background(), def, run, &def.Steps[0], sr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnhandled, res.Outcome)
	assert.Contains(t, res.Message, "ghost")
}

// --- Conditions ---

func TestConditionFalseSkipsStep(t *testing.T) {
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf",
			schema.Step{ID: "a"},
			schema.Step{ID: "b", Condition: `context.deploy == true`},
		),
	}
	h := newHarness(t, defs, Config{})

	run, err := h.engine.Start(context.Background(), "wf", "", map[string]any{"deploy": false}, "tester")
	require.NoError(t, err)

	final := h.waitForRun(t, run.ID, statusIs(schema.RunStatusCompleted))
	assert.Equal(t, schema.StepSkipped, final.StepRunByID("b").Status)
	assert.Equal(t, 0, h.executor.count("b"))
}

// --- Admission ---

func TestAdmissionCeilingRejectsStart(t *testing.T) {
	release := make(chan struct{})
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf", schema.Step{ID: "slow"}),
	}
	h := newHarness(t, defs, Config{MaxConcurrentRuns: 1})
	h.executor.on("slow", func(int) (*StepOutput, error) {
		<-release
		return succeed(0)
	})

	first, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)

	_, err = h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeCapacity, rerr.Code)

	// The rejected start left no record behind.
	metas, err := h.store.ListMeta(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, metas, 1)

	close(release)
	h.waitForRun(t, first.ID, statusIs(schema.RunStatusCompleted))
}

// --- Resume validation ---

func TestResumeRequiresBlockedRun(t *testing.T) {
	defs := map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf", schema.Step{ID: "a"}),
	}
	h := newHarness(t, defs, Config{})

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)
	h.waitForRun(t, run.ID, statusIs(schema.RunStatusCompleted))

	_, err = h.engine.Resume(context.Background(), run.ID, nil, "tester")
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)

	// The rejected resume mutated nothing.
	reloaded, err := h.store.Load(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, reloaded.Status)
}

func TestResumeRejectsConcurrentExecutor(t *testing.T) {
	h := newHarness(t, nil, Config{})
	require.NoError(t, h.engine.registry.Acquire("some-run"))

	err := h.engine.registry.Acquire("some-run")
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)
}

// --- Gate decisions ---

func gateWorkflow() map[string]*schema.WorkflowDefinition {
	return map[string]*schema.WorkflowDefinition{
		"wf": simpleWorkflow("wf",
			schema.Step{ID: "prepare"},
			schema.Step{
				ID:        "approve",
				Type:      schema.StepTypeGate,
				OnFailure: &schema.FailurePolicy{Escalate: &schema.EscalatePolicy{To: schema.EscalateHuman, Message: "awaiting approval"}},
			},
			schema.Step{ID: "ship"},
		),
	}
}

func TestGateApproveResumesRun(t *testing.T) {
	h := newHarness(t, gateWorkflow(), Config{})
	h.executor.on("approve", func(attempt int) (*StepOutput, error) {
		if attempt == 1 {
			return nil, errors.New("approval required")
		}
		return succeed(attempt)
	})

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)
	h.waitForRun(t, run.ID, statusIs(schema.RunStatusBlocked))

	_, err = h.engine.ApproveGate(context.Background(), run.ID, "approve", "alice")
	require.NoError(t, err)

	final := h.waitForRun(t, run.ID, statusIs(schema.RunStatusCompleted))
	approval, ok := final.Context[ApprovalContextKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, approval["approved"])
	assert.Equal(t, "alice", approval["approver"])
	assert.Equal(t, schema.StepCompleted, final.StepRunByID("ship").Status)
}

func TestGateRejectPersistsFailure(t *testing.T) {
	h := newHarness(t, gateWorkflow(), Config{})
	h.executor.on("approve", fail)

	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)
	h.waitForRun(t, run.ID, statusIs(schema.RunStatusBlocked))

	rejected, err := h.engine.RejectGate(context.Background(), run.ID, "approve", "alice", "not ready")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, rejected.Status)

	// The terminal transition is durable immediately after the call returns.
	reloaded, err := h.store.Load(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, reloaded.Status)
	assert.Equal(t, "not ready", reloaded.Error)
	assert.NotNil(t, reloaded.CompletedAt)
}

func TestGateDecisionRequiresGateStep(t *testing.T) {
	h := newHarness(t, gateWorkflow(), Config{})
	h.executor.on("prepare", func(int) (*StepOutput, error) {
		return nil, errors.New("boom")
	})
	// prepare has no policy, so the run fails; decisions on it must be
	// rejected even before the gate is reached.
	run, err := h.engine.Start(context.Background(), "wf", "", nil, "tester")
	require.NoError(t, err)
	h.waitForRun(t, run.ID, statusIs(schema.RunStatusFailed))

	_, err = h.engine.ApproveGate(context.Background(), run.ID, "prepare", "alice")
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

// --- Authorization ---

type denyAll struct{}

func (denyAll) CanView(context.Context, string, string) bool    { return false }
func (denyAll) CanExecute(context.Context, string, string) bool { return false }

func TestStartDeniedByAuthorizer(t *testing.T) {
	runStore, err := store.NewFileRunStore(t.TempDir(), nil)
	require.NoError(t, err)
	eng, err := NewEngine(Config{}, Deps{
		RunStore: runStore,
		Definitions: &stubDefs{defs: map[string]*schema.WorkflowDefinition{
			"wf": simpleWorkflow("wf", schema.Step{ID: "a"}),
		}},
		Executor:   newStubExecutor(),
		Authorizer: denyAll{},
	})
	require.NoError(t, err)

	_, err = eng.Start(context.Background(), "wf", "", nil, "tester")
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodePermissionDenied, rerr.Code)
}
