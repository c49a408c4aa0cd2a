package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hatchpad/runway/internal/engine"
	"github.com/hatchpad/runway/internal/query"
	"github.com/hatchpad/runway/internal/scheduler"
	"github.com/hatchpad/runway/internal/secrets"
	"github.com/hatchpad/runway/internal/store"
)

// EventSource reads the append-only run event log.
type EventSource interface {
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// JobManager is the scheduled-job CRUD surface exposed over MCP.
type JobManager interface {
	CreateScheduledJob(ctx context.Context, job *store.ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*store.ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// RunwayServerDeps holds the dependencies for creating a RunwayServer.
type RunwayServerDeps struct {
	Engine    *engine.Engine
	Query     *query.Service
	Events    EventSource
	Jobs      JobManager
	Scheduler *scheduler.Scheduler
	Vault     secrets.Vault
	Logger    *slog.Logger
}

// RunwayServer wraps an MCP server with workflow-run tool handlers.
type RunwayServer struct {
	engine    *engine.Engine
	query     *query.Service
	events    EventSource
	jobs      JobManager
	scheduler *scheduler.Scheduler
	vault     secrets.Vault
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewRunwayServer creates a RunwayServer with all tools registered.
func NewRunwayServer(deps RunwayServerDeps) *RunwayServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RunwayServer{
		engine:    deps.Engine,
		query:     deps.Query,
		events:    deps.Events,
		jobs:      deps.Jobs,
		scheduler: deps.Scheduler,
		vault:     deps.Vault,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"runway",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Runway executes declarative workflows as resumable, checkpointed runs. Use runway.start to launch a run, runway.resume to continue a blocked run, runway.gate to approve or reject a gate step, runway.query to inspect runs and events, runway.stats for aggregates, and runway.schedule to manage cron-triggered starts."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RunwayServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RunwayServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *RunwayServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: gateTool(), Handler: s.handleGate},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: secretTool(), Handler: s.handleSecret},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("runway.start",
		mcp.WithDescription("Start a workflow run and return its handle immediately; execution proceeds in the background"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition to run")),
		mcp.WithString("task_id", mcp.Description("Optional task whose payload seeds the run context")),
		mcp.WithObject("initial_context", mcp.Description("Caller-supplied initial context values")),
		mcp.WithString("requester", mcp.Required(), mcp.Description("Identity starting the run")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("runway.resume",
		mcp.WithDescription("Resume a blocked run; fails if the run is not blocked"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
		mcp.WithObject("context", mcp.Description("Values merged into the run context before resuming")),
		mcp.WithString("requester", mcp.Required(), mcp.Description("Identity resuming the run")),
	)
}

func gateTool() mcp.Tool {
	return mcp.NewTool("runway.gate",
		mcp.WithDescription("Approve or reject a gate step of a blocked run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the blocked run")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the gate step awaiting a decision")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("Gate decision"),
		),
		mcp.WithString("approver", mcp.Required(), mcp.Description("Identity making the decision")),
		mcp.WithString("reason", mcp.Description("Rejection reason (reject only)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("runway.query",
		mcp.WithDescription("Query runs, the run event log, or a workflow diagram"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("run", "runs", "events", "diagram"),
			mcp.Description("run: one full record; runs: metadata listing; events: event log entries; diagram: Mermaid flowchart of a workflow or run"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (run_id, workflow_id, task_id, status, since_sequence)")),
		mcp.WithString("requester", mcp.Required(), mcp.Description("Identity performing the query")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("runway.stats",
		mcp.WithDescription("Aggregate run outcomes over a time window"),
		mcp.WithString("period", mcp.Description("Window as a Go duration, e.g. 24h (default: 24h)")),
		mcp.WithString("requester", mcp.Required(), mcp.Description("Identity requesting the stats")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("runway.schedule",
		mcp.WithDescription("Manage cron-triggered workflow starts"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "list", "enable", "disable", "delete"),
			mcp.Description("Schedule operation"),
		),
		mcp.WithString("job_id", mcp.Description("Job ID (enable, disable, delete)")),
		mcp.WithString("workflow_id", mcp.Description("Workflow to start (create; also filters list)")),
		mcp.WithString("cron", mcp.Description("Cron expression, 5 fields (create)")),
		mcp.WithObject("initial_context", mcp.Description("Context values for each started run (create)")),
		mcp.WithString("requester", mcp.Required(), mcp.Description("Identity owning the schedule")),
	)
}

func secretTool() mcp.Tool {
	return mcp.NewTool("runway.secret",
		mcp.WithDescription("Manage encrypted secrets referenced from step inputs via ${{secrets.KEY}}; values are write-only"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("set", "delete", "list"),
			mcp.Description("Secret operation"),
		),
		mcp.WithString("key", mcp.Description("Secret key (set, delete)")),
		mcp.WithString("value", mcp.Description("Secret value (set)")),
	)
}
