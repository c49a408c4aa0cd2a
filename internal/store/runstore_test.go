package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchpad/runway/pkg/schema"
)

func newTestRunStore(t *testing.T) *FileRunStore {
	t.Helper()
	s, err := NewFileRunStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func testRun(status schema.RunStatus) *WorkflowRun {
	now := time.Now().UTC()
	return &WorkflowRun{
		ID:              uuid.New().String(),
		WorkflowID:      "deploy",
		WorkflowVersion: 1,
		Status:          status,
		CurrentStep:     "fetch",
		Context:         map[string]any{"region": "eu"},
		Steps: []*StepRun{
			{StepID: "fetch", Status: schema.StepPending},
			{StepID: "publish", Status: schema.StepPending},
		},
		StartedAt: now,
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	run := testRun(schema.RunStatusRunning)
	run.Steps[0].Status = schema.StepCompleted
	run.Steps[0].Output = json.RawMessage(`{"rows":3}`)
	require.NoError(t, s.Save(ctx, run))

	got, err := s.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.WorkflowID, got.WorkflowID)
	assert.Equal(t, run.Status, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, schema.StepCompleted, got.Steps[0].Status)
	assert.JSONEq(t, `{"rows":3}`, string(got.Steps[0].Output))
	assert.Equal(t, "eu", got.Context["region"])
}

func TestSaveRefreshesCheckpointMonotonically(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	run := testRun(schema.RunStatusRunning)
	require.NoError(t, s.Save(ctx, run))
	first := run.LastCheckpoint
	assert.False(t, first.IsZero())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Save(ctx, run))
	assert.True(t, run.LastCheckpoint.After(first))

	// A checkpoint ahead of the wall clock is never moved backwards.
	future := time.Now().UTC().Add(time.Hour)
	run.LastCheckpoint = future
	require.NoError(t, s.Save(ctx, run))
	assert.Equal(t, future, run.LastCheckpoint)
}

func TestLoadMissingRun(t *testing.T) {
	s := newTestRunStore(t)

	_, err := s.Load(context.Background(), uuid.New().String())
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeNotFound, rerr.Code)
}

func TestUnsafeRunIDRejectedBeforeIO(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "..", "a/b", `a\b`, "../../etc", "x", "run id"} {
		run := testRun(schema.RunStatusRunning)
		run.ID = id
		err := s.Save(ctx, run)
		require.Error(t, err, "id %q", id)
		var rerr *schema.RunwayError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, schema.ErrCodeValidation, rerr.Code)

		_, err = s.Load(ctx, id)
		require.Error(t, err)
	}

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	run := testRun(schema.RunStatusRunning)
	require.NoError(t, s.Save(ctx, run))

	def := &schema.WorkflowDefinition{
		ID:      "deploy",
		Version: 4,
		Steps:   []schema.Step{{ID: "fetch"}, {ID: "publish", Type: schema.StepTypeGate}},
	}
	require.NoError(t, s.Snapshot(ctx, run.ID, def))

	got, err := s.LoadSnapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Version)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, schema.StepTypeGate, got.Steps[1].Type)
}

func TestListFiltersByStatus(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	blocked1 := testRun(schema.RunStatusBlocked)
	blocked2 := testRun(schema.RunStatusBlocked)
	done := testRun(schema.RunStatusCompleted)
	for _, r := range []*WorkflowRun{blocked1, blocked2, done} {
		require.NoError(t, s.Save(ctx, r))
	}

	metas, err := s.ListMeta(ctx, RunFilter{Status: schema.RunStatusBlocked})
	require.NoError(t, err)
	require.Len(t, metas, 2)
	ids := []string{metas[0].ID, metas[1].ID}
	assert.ElementsMatch(t, []string{blocked1.ID, blocked2.ID}, ids)
}

func TestListSkipsForeignDirectoriesAndCorruptRecords(t *testing.T) {
	s := newTestRunStore(t)
	ctx := context.Background()

	good := testRun(schema.RunStatusRunning)
	require.NoError(t, s.Save(ctx, good))

	// A directory that fails the safe-id pattern is ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), ".hidden"), 0o755))
	// A valid-looking directory with a corrupt record is skipped, not fatal.
	corruptID := uuid.New().String()
	corruptDir := filepath.Join(s.Root(), corruptID)
	require.NoError(t, os.MkdirAll(corruptDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corruptDir, "run.json"), []byte("{nope"), 0o644))

	runs, err := s.List(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, good.ID, runs[0].ID)
}

func TestFileDefinitionStore(t *testing.T) {
	dir := t.TempDir()
	def := &schema.WorkflowDefinition{ID: "deploy", Version: 1, Steps: []schema.Step{{ID: "a"}}}
	data, err := json.Marshal(def)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.json"), data, 0o644))

	s := NewFileDefinitionStore(dir)
	got, err := s.Load(context.Background(), "deploy")
	require.NoError(t, err)
	assert.Equal(t, "deploy", got.ID)

	_, err = s.Load(context.Background(), "missing-workflow")
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeNotFound, rerr.Code)

	_, err = s.Load(context.Background(), "../escape")
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}
