package query

import (
	"context"
	"log/slog"

	"github.com/hatchpad/runway/internal/diagram"
	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// Viewer answers whether a requester may see runs of a workflow. Permission
// decisions are never computed here.
type Viewer interface {
	CanView(ctx context.Context, workflowID, requester string) bool
}

// DefinitionLoader resolves workflow definitions for diagram rendering.
// Satisfied by *store.FileDefinitionStore.
type DefinitionLoader interface {
	Load(ctx context.Context, workflowID string) (*schema.WorkflowDefinition, error)
}

// Service provides read-only projections over the run store. It never
// mutates runs.
type Service struct {
	store  store.RunStore
	defs   DefinitionLoader
	auth   Viewer
	logger *slog.Logger
}

// NewService creates a query service. A nil viewer allows everything; a nil
// definition loader disables diagram rendering.
func NewService(runStore store.RunStore, defs DefinitionLoader, auth Viewer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: runStore, defs: defs, auth: auth, logger: logger}
}

// Diagram renders a workflow as a Mermaid flowchart. With a run ID the chart
// carries per-step status from that run; with only a workflow ID it shows
// the bare definition.
func (s *Service) Diagram(ctx context.Context, workflowID, runID, requester string) (string, error) {
	if s.defs == nil {
		return "", schema.NewError(schema.ErrCodeUnsupported, "diagram rendering is not configured")
	}

	var run *store.WorkflowRun
	if runID != "" {
		var err error
		run, err = s.Get(ctx, runID, requester)
		if err != nil {
			return "", err
		}
		workflowID = run.WorkflowID
	}
	if workflowID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "either workflow_id or run_id is required")
	}
	if run == nil && !s.canView(ctx, workflowID, requester) {
		return "", schema.NewErrorf(schema.ErrCodePermissionDenied,
			"requester %q may not view workflow %s", requester, workflowID)
	}

	def, err := s.defs.Load(ctx, workflowID)
	if err != nil {
		return "", err
	}
	return diagram.RenderMermaid(diagram.Build(def, run)), nil
}

// Get returns the full run record. A permission denial is reported as such,
// not disguised as a missing run.
func (s *Service) Get(ctx context.Context, runID, requester string) (*store.WorkflowRun, error) {
	run, err := s.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !s.canView(ctx, run.WorkflowID, requester) {
		return nil, schema.NewErrorf(schema.ErrCodePermissionDenied,
			"requester %q may not view workflow %s", requester, run.WorkflowID)
	}
	return run, nil
}

// List returns full run records matching the filter, reduced to workflows
// the requester may view.
func (s *Service) List(ctx context.Context, filter store.RunFilter, requester string) ([]*store.WorkflowRun, error) {
	runs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	visible := make([]*store.WorkflowRun, 0, len(runs))
	decisions := map[string]bool{}
	for _, run := range runs {
		if s.cachedCanView(ctx, decisions, run.WorkflowID, requester) {
			visible = append(visible, run)
		}
	}
	return visible, nil
}

// ListMeta returns the metadata projection matching the filter, reduced to
// workflows the requester may view.
func (s *Service) ListMeta(ctx context.Context, filter store.RunFilter, requester string) ([]*store.RunMeta, error) {
	metas, err := s.store.ListMeta(ctx, filter)
	if err != nil {
		return nil, err
	}
	visible := make([]*store.RunMeta, 0, len(metas))
	decisions := map[string]bool{}
	for _, meta := range metas {
		if s.cachedCanView(ctx, decisions, meta.WorkflowID, requester) {
			visible = append(visible, meta)
		}
	}
	return visible, nil
}

func (s *Service) canView(ctx context.Context, workflowID, requester string) bool {
	if s.auth == nil {
		return true
	}
	return s.auth.CanView(ctx, workflowID, requester)
}

// cachedCanView memoizes per-workflow decisions within one request so a
// listing over many runs asks the authorizer once per workflow.
func (s *Service) cachedCanView(ctx context.Context, decisions map[string]bool, workflowID, requester string) bool {
	if allowed, ok := decisions[workflowID]; ok {
		return allowed
	}
	allowed := s.canView(ctx, workflowID, requester)
	decisions[workflowID] = allowed
	return allowed
}
