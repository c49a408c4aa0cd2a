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

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedJob(t *testing.T, s *LibSQLStore, workflowID string) *ScheduledJob {
	t.Helper()
	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	job := &ScheduledJob{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		CronExpression: "0 * * * *",
		InitialContext: json.RawMessage(`{"env":"prod"}`),
		Requester:      "cron",
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateScheduledJob(context.Background(), job))
	return job
}

// --- Scheduled Job Tests ---

func TestCreateAndGetScheduledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, s, "nightly-report")

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "nightly-report", got.WorkflowID)
	assert.Equal(t, "0 * * * *", got.CronExpression)
	assert.JSONEq(t, `{"env":"prod"}`, string(got.InitialContext))
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetScheduledJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetScheduledJob(context.Background(), "missing")
	require.Error(t, err)
	var rerr *schema.RunwayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeNotFound, rerr.Code)
}

func TestUpdateScheduledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, s, "wf")

	now := time.Now().UTC().Truncate(time.Second)
	next := now.Add(30 * time.Minute)
	disabled := false
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		Enabled:       &disabled,
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: "success",
	}))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	assert.WithinDuration(t, now, *got.LastRunAt, time.Second)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, next, *got.NextRunAt, time.Second)
}

func TestUpdateScheduledJobNoFieldsIsNoop(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, "wf")

	require.NoError(t, s.UpdateScheduledJob(context.Background(), job.ID, ScheduledJobUpdate{}))
}

func TestUpdateScheduledJobNotFound(t *testing.T) {
	s := newTestStore(t)

	status := "error"
	err := s.UpdateScheduledJob(context.Background(), "missing", ScheduledJobUpdate{LastRunStatus: status})
	require.Error(t, err)
}

func TestListScheduledJobsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enabledJob := seedJob(t, s, "wf-a")
	disabledJob := seedJob(t, s, "wf-b")
	off := false
	require.NoError(t, s.UpdateScheduledJob(ctx, disabledJob.ID, ScheduledJobUpdate{Enabled: &off}))

	on := true
	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &on})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, enabledJob.ID, jobs[0].ID)

	jobs, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{WorkflowID: "wf-b"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, disabledJob.ID, jobs[0].ID)

	jobs, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDeleteScheduledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := seedJob(t, s, "wf")
	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))

	_, err := s.GetScheduledJob(ctx, job.ID)
	require.Error(t, err)

	require.Error(t, s.DeleteScheduledJob(ctx, job.ID))
}
