package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

const defaultStatsPeriod = 24 * time.Hour

// handleStart launches a new workflow run.
func (s *RunwayServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	requester, err := req.RequireString("requester")
	if err != nil {
		return mcp.NewToolResultError("requester is required"), nil
	}
	taskID := req.GetString("task_id", "")
	initialContext := mcp.ParseStringMap(req, "initial_context", nil)

	run, startErr := s.engine.Start(ctx, workflowID, taskID, initialContext, requester)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}
	return marshalResult(run.Meta())
}

// handleResume continues a blocked run.
func (s *RunwayServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	requester, err := req.RequireString("requester")
	if err != nil {
		return mcp.NewToolResultError("requester is required"), nil
	}
	resumeContext := mcp.ParseStringMap(req, "context", nil)

	run, resumeErr := s.engine.Resume(ctx, runID, resumeContext, requester)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(run.Meta())
}

// handleGate approves or rejects a gate step.
func (s *RunwayServer) handleGate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	approver, err := req.RequireString("approver")
	if err != nil {
		return mcp.NewToolResultError("approver is required"), nil
	}

	var run *store.WorkflowRun
	var gateErr error
	switch decision {
	case "approve":
		run, gateErr = s.engine.ApproveGate(ctx, runID, stepID, approver)
	case "reject":
		run, gateErr = s.engine.RejectGate(ctx, runID, stepID, approver, req.GetString("reason", ""))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown decision: %s", decision)), nil
	}
	if gateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("gate %s failed: %v", decision, gateErr)), nil
	}
	return marshalResult(run.Meta())
}

// handleQuery inspects runs or the event log.
func (s *RunwayServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	requester, err := req.RequireString("requester")
	if err != nil {
		return mcp.NewToolResultError("requester is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "run":
		return s.queryRun(ctx, filter, requester)
	case "runs":
		return s.queryRuns(ctx, filter, requester)
	case "events":
		return s.queryEvents(ctx, filter, requester)
	case "diagram":
		return s.queryDiagram(ctx, filter, requester)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *RunwayServer) queryRun(ctx context.Context, filter map[string]any, requester string) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	if runID == "" {
		return mcp.NewToolResultError("run query requires 'run_id' in filter"), nil
	}
	run, err := s.query.Get(ctx, runID, requester)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(run)
}

func (s *RunwayServer) queryDiagram(ctx context.Context, filter map[string]any, requester string) (*mcp.CallToolResult, error) {
	workflowID, _ := filter["workflow_id"].(string)
	runID, _ := filter["run_id"].(string)
	if workflowID == "" && runID == "" {
		return mcp.NewToolResultError("diagram query requires 'workflow_id' or 'run_id' in filter"), nil
	}
	chart, err := s.query.Diagram(ctx, workflowID, runID, requester)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return mcp.NewToolResultText(chart), nil
}

func (s *RunwayServer) queryRuns(ctx context.Context, filter map[string]any, requester string) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{}
	if workflowID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = workflowID
	}
	if taskID, ok := filter["task_id"].(string); ok {
		rf.TaskID = taskID
	}
	if status, ok := filter["status"].(string); ok {
		rf.Status = schema.RunStatus(status)
	}

	metas, err := s.query.ListMeta(ctx, rf, requester)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": metas})
}

func (s *RunwayServer) queryEvents(ctx context.Context, filter map[string]any, requester string) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
	}
	// Event visibility follows run visibility.
	if _, err := s.query.Get(ctx, runID, requester); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	var since int64
	switch v := filter["since_sequence"].(type) {
	case float64:
		since = int64(v)
	case int64:
		since = v
	}

	events, err := s.events.GetEvents(ctx, runID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleStats returns run aggregates for a time window.
func (s *RunwayServer) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requester, err := req.RequireString("requester")
	if err != nil {
		return mcp.NewToolResultError("requester is required"), nil
	}

	period := defaultStatsPeriod
	if raw := req.GetString("period", ""); raw != "" {
		parsed, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid period: %v", parseErr)), nil
		}
		period = parsed
	}

	stats, statsErr := s.query.Stats(ctx, period, requester)
	if statsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", statsErr)), nil
	}
	return marshalResult(stats)
}

// handleSchedule manages cron-triggered run starts.
func (s *RunwayServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	requester, err := req.RequireString("requester")
	if err != nil {
		return mcp.NewToolResultError("requester is required"), nil
	}

	switch action {
	case "create":
		return s.createSchedule(ctx, req, requester)
	case "list":
		return s.listSchedules(ctx, req)
	case "enable", "disable":
		return s.toggleSchedule(ctx, req, action == "enable")
	case "delete":
		return s.deleteSchedule(ctx, req)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

func (s *RunwayServer) createSchedule(ctx context.Context, req mcp.CallToolRequest, requester string) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return mcp.NewToolResultError("create requires workflow_id"), nil
	}
	cronExpr := req.GetString("cron", "")
	if cronExpr == "" {
		return mcp.NewToolResultError("create requires cron"), nil
	}

	now := time.Now().UTC()
	nextRun, err := s.scheduler.CalculateNextRun(cronExpr, now)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	job := &store.ScheduledJob{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Requester:      requester,
		Enabled:        true,
		NextRunAt:      &nextRun,
		CreatedAt:      now,
	}
	if initialContext := mcp.ParseStringMap(req, "initial_context", nil); initialContext != nil {
		if raw, marshalErr := json.Marshal(initialContext); marshalErr == nil {
			job.InitialContext = raw
		}
	}

	if createErr := s.jobs.CreateScheduledJob(ctx, job); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create schedule: %v", createErr)), nil
	}
	return marshalResult(job)
}

func (s *RunwayServer) listSchedules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ScheduledJobFilter{
		WorkflowID: req.GetString("workflow_id", ""),
	}
	jobs, err := s.jobs.ListScheduledJobs(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list schedules: %v", err)), nil
	}
	return marshalResult(map[string]any{"jobs": jobs})
}

func (s *RunwayServer) toggleSchedule(ctx context.Context, req mcp.CallToolRequest, enabled bool) (*mcp.CallToolResult, error) {
	jobID := req.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("enable/disable requires job_id"), nil
	}
	if err := s.jobs.UpdateScheduledJob(ctx, jobID, store.ScheduledJobUpdate{Enabled: &enabled}); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update schedule: %v", err)), nil
	}
	return marshalResult(map[string]any{"job_id": jobID, "enabled": enabled})
}

func (s *RunwayServer) deleteSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := req.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("delete requires job_id"), nil
	}
	if err := s.jobs.DeleteScheduledJob(ctx, jobID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete schedule: %v", err)), nil
	}
	return marshalResult(map[string]any{"job_id": jobID, "deleted": true})
}

// handleSecret manages vault entries. Values go in; they never come back out.
func (s *RunwayServer) handleSecret(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.vault == nil {
		return mcp.NewToolResultError("no vault configured; set the vault key in the server configuration"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "set":
		key := req.GetString("key", "")
		if key == "" {
			return mcp.NewToolResultError("set requires key"), nil
		}
		value := req.GetString("value", "")
		if value == "" {
			return mcp.NewToolResultError("set requires value"), nil
		}
		if storeErr := s.vault.Store(ctx, key, []byte(value)); storeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to store secret: %v", storeErr)), nil
		}
		return marshalResult(map[string]any{"key": key, "stored": true})
	case "delete":
		key := req.GetString("key", "")
		if key == "" {
			return mcp.NewToolResultError("delete requires key"), nil
		}
		if delErr := s.vault.Delete(ctx, key); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to delete secret: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"key": key, "deleted": true})
	case "list":
		keys, listErr := s.vault.List(ctx)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list secrets: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"keys": keys})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
