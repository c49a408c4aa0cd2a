package diagram

import (
	"fmt"

	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// Build converts a workflow definition into a diagram model. When run is
// non-nil, each step node carries a status overlay from the matching
// StepRun, so the same definition renders either as a static chart or as a
// live run view.
func Build(def *schema.WorkflowDefinition, run *store.WorkflowRun) *Model {
	model := &Model{
		Title: fmt.Sprintf("%s v%d", def.ID, def.Version),
	}
	if run != nil {
		model.Title = fmt.Sprintf("%s v%d run %s (%s)", def.ID, def.Version, run.ID, run.Status)
	}

	start := &Node{ID: "_start", Label: "start", Kind: NodeKindStart}
	model.Nodes = append(model.Nodes, start)

	prev := start.ID
	for i := range def.Steps {
		step := &def.Steps[i]
		node := &Node{
			ID:    step.ID,
			Label: stepLabel(step),
			Kind:  NodeKindStep,
		}
		if step.IsGate() {
			node.Kind = NodeKindGate
		}
		if run != nil {
			if sr := run.StepRunByID(step.ID); sr != nil {
				node.Status = &StatusOverlay{
					Status:     string(sr.Status),
					DurationMs: sr.DurationMs,
					Retries:    sr.Retries,
					Error:      sr.Error,
				}
			}
		}
		model.Nodes = append(model.Nodes, node)
		model.Edges = append(model.Edges, Edge{From: prev, To: step.ID, Label: edgeLabel(step)})
		prev = step.ID
	}

	end := &Node{ID: "_end", Label: "end", Kind: NodeKindEnd}
	model.Nodes = append(model.Nodes, end)
	model.Edges = append(model.Edges, Edge{From: prev, To: end.ID})

	return model
}

// stepLabel folds the action binding and failure policy into the node label.
func stepLabel(step *schema.Step) string {
	label := step.ID
	if step.Uses != "" {
		label = fmt.Sprintf("%s\n%s", step.ID, step.Uses)
	}
	if ann := policyAnnotation(step.OnFailure); ann != "" {
		label += "\n" + ann
	}
	return label
}

func policyAnnotation(policy *schema.FailurePolicy) string {
	switch policy.Kind() {
	case schema.PolicyRetry:
		return fmt.Sprintf("retry x%d", policy.Retry.Count)
	case schema.PolicyRetryStep:
		return fmt.Sprintf("on failure: replay from %s", policy.RetryStep.TargetStepID)
	case schema.PolicyEscalateHuman:
		return "on failure: escalate to human"
	case schema.PolicyEscalateSkip:
		return "on failure: skip"
	case schema.PolicyEscalateAgent:
		return fmt.Sprintf("on failure: escalate to %s", policy.Escalate.To)
	default:
		return ""
	}
}

func edgeLabel(step *schema.Step) string {
	if step.Condition == "" {
		return ""
	}
	return "if: " + step.Condition
}
