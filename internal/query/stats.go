package query

import (
	"context"
	"time"

	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// Stats aggregates run outcomes over a time window.
type Stats struct {
	Period        string                    `json:"period"`
	ActiveRuns    int                       `json:"active_runs"`
	BlockedRuns   int                       `json:"blocked_runs"`
	Completed     int                       `json:"completed"`
	Failed        int                       `json:"failed"`
	SuccessRate   float64                   `json:"success_rate"`
	AvgDurationMs int64                     `json:"avg_duration_ms"`
	PerWorkflow   map[string]*WorkflowStats `json:"per_workflow"`
}

// WorkflowStats is the per-workflow slice of Stats.
type WorkflowStats struct {
	ActiveRuns    int     `json:"active_runs"`
	BlockedRuns   int     `json:"blocked_runs"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
}

// Stats computes run aggregates over the period ending now, restricted to
// workflows the requester may view. Active and blocked counts are point in
// time; completion counts, success rate, and duration cover runs that
// finished within the period.
func (s *Service) Stats(ctx context.Context, period time.Duration, requester string) (*Stats, error) {
	if period <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "stats period must be positive")
	}

	metas, err := s.ListMeta(ctx, store.RunFilter{}, requester)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-period)
	stats := &Stats{
		Period:      period.String(),
		PerWorkflow: make(map[string]*WorkflowStats),
	}

	type durations struct {
		total int64
		count int64
	}
	overall := durations{}
	perWorkflow := map[string]*durations{}

	for _, meta := range metas {
		wf := stats.PerWorkflow[meta.WorkflowID]
		if wf == nil {
			wf = &WorkflowStats{}
			stats.PerWorkflow[meta.WorkflowID] = wf
			perWorkflow[meta.WorkflowID] = &durations{}
		}

		switch meta.Status {
		case schema.RunStatusRunning:
			stats.ActiveRuns++
			wf.ActiveRuns++
		case schema.RunStatusBlocked:
			stats.BlockedRuns++
			wf.BlockedRuns++
		case schema.RunStatusCompleted, schema.RunStatusFailed:
			if meta.CompletedAt == nil || meta.CompletedAt.Before(cutoff) {
				continue
			}
			if meta.Status == schema.RunStatusCompleted {
				stats.Completed++
				wf.Completed++
				elapsed := meta.CompletedAt.Sub(meta.StartedAt).Milliseconds()
				overall.total += elapsed
				overall.count++
				d := perWorkflow[meta.WorkflowID]
				d.total += elapsed
				d.count++
			} else {
				stats.Failed++
				wf.Failed++
			}
		}
	}

	stats.SuccessRate = successRate(stats.Completed, stats.Failed)
	if overall.count > 0 {
		stats.AvgDurationMs = overall.total / overall.count
	}
	for id, wf := range stats.PerWorkflow {
		wf.SuccessRate = successRate(wf.Completed, wf.Failed)
		if d := perWorkflow[id]; d.count > 0 {
			wf.AvgDurationMs = d.total / d.count
		}
	}
	return stats, nil
}

func successRate(completed, failed int) float64 {
	total := completed + failed
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total)
}
