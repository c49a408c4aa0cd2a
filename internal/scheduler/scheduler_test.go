package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

type fakeJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*store.ScheduledJob
	updates []store.ScheduledJobUpdate
}

func newFakeJobStore(jobs ...*store.ScheduledJob) *fakeJobStore {
	s := &fakeJobStore{jobs: map[string]*store.ScheduledJob{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.ScheduledJob
	for _, j := range s.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *fakeJobStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %s not found", id)
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	s.updates = append(s.updates, update)
	return nil
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	workflowID string
	requester  string
	context    map[string]any
}

func (f *fakeStarter) Start(_ context.Context, workflowID, _ string, initialContext map[string]any, requester string) (*store.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, startCall{workflowID: workflowID, requester: requester, context: initialContext})
	if f.err != nil {
		return nil, f.err
	}
	return &store.WorkflowRun{ID: "run-1", WorkflowID: workflowID}, nil
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func dueJob(id, workflowID string) *store.ScheduledJob {
	past := time.Now().UTC().Add(-time.Minute)
	return &store.ScheduledJob{
		ID:             id,
		WorkflowID:     workflowID,
		CronExpression: "*/5 * * * *",
		Requester:      "cron",
		Enabled:        true,
		NextRunAt:      &past,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestTickRunsDueJobs(t *testing.T) {
	ctx := context.Background()
	job := dueJob("job-1", "nightly-report")
	job.InitialContext = json.RawMessage(`{"env":"prod"}`)
	js := newFakeJobStore(job)
	starter := &fakeStarter{}
	sched := NewScheduler(js, starter, testLogger())

	sched.tick(ctx)

	require.Equal(t, 1, starter.callCount())
	call := starter.calls[0]
	assert.Equal(t, "nightly-report", call.workflowID)
	assert.Equal(t, "cron", call.requester)
	assert.Equal(t, "prod", call.context["env"])

	assert.Equal(t, "success", job.LastRunStatus)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))
	require.NotNil(t, job.LastRunAt)
}

func TestTickSkipsFutureAndDisabledJobs(t *testing.T) {
	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)
	notDue := dueJob("job-future", "wf-a")
	notDue.NextRunAt = &future
	disabled := dueJob("job-off", "wf-b")
	disabled.Enabled = false

	js := newFakeJobStore(notDue, disabled)
	starter := &fakeStarter{}
	sched := NewScheduler(js, starter, testLogger())

	sched.tick(ctx)

	assert.Zero(t, starter.callCount())
	assert.Empty(t, js.updates)
}

func TestStartFailureRecordsErrorAndReschedules(t *testing.T) {
	ctx := context.Background()
	job := dueJob("job-1", "flaky")
	js := newFakeJobStore(job)
	starter := &fakeStarter{err: schema.NewError(schema.ErrCodeCapacity, "maximum concurrent runs reached (1)")}
	sched := NewScheduler(js, starter, testLogger())

	sched.tick(ctx)

	assert.Equal(t, "error", job.LastRunStatus)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))
	assert.True(t, job.Enabled)
}

func TestMalformedInitialContextMarksError(t *testing.T) {
	ctx := context.Background()
	job := dueJob("job-1", "wf")
	job.InitialContext = json.RawMessage(`{not json`)
	js := newFakeJobStore(job)
	starter := &fakeStarter{}
	sched := NewScheduler(js, starter, testLogger())

	sched.tick(ctx)

	assert.Zero(t, starter.callCount())
	assert.Equal(t, "error", job.LastRunStatus)
}

func TestRecoverMissedRunsOverdueJobs(t *testing.T) {
	ctx := context.Background()
	overdue := dueJob("job-late", "wf")
	pending := dueJob("job-unscheduled", "wf")
	pending.NextRunAt = nil

	js := newFakeJobStore(overdue, pending)
	starter := &fakeStarter{}
	sched := NewScheduler(js, starter, testLogger())

	require.NoError(t, sched.RecoverMissed(ctx))

	require.Equal(t, 1, starter.callCount())
	assert.Equal(t, "wf", starter.calls[0].workflowID)
	assert.Equal(t, "success", overdue.LastRunStatus)
	assert.Empty(t, pending.LastRunStatus)
}

func TestCalculateNextRun(t *testing.T) {
	sched := NewScheduler(newFakeJobStore(), &fakeStarter{}, testLogger())

	from := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	next, err := sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("not a cron", from)
	require.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	js := newFakeJobStore()
	sched := NewScheduler(js, &fakeStarter{}, testLogger())

	require.NoError(t, sched.Start(ctx))
	require.Error(t, sched.Start(ctx))
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
