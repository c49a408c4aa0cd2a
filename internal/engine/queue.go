package engine

import (
	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/pkg/schema"
)

// BuildQueue derives the execution order from the definition and the run's
// current step state. The queue is never persisted: it is rebuilt on every
// launch and resume from definition order, skipping steps that are already
// settled. Definition order is the single source of sequencing truth.
func BuildQueue(def *schema.WorkflowDefinition, run *store.WorkflowRun) []*schema.Step {
	return buildQueueFrom(def, run, 0)
}

// BuildQueueFromStep rebuilds the queue starting at the given step, used
// after a reroute resets the target. Steps before the target keep their
// state and are not enqueued.
func BuildQueueFromStep(def *schema.WorkflowDefinition, run *store.WorkflowRun, stepID string) []*schema.Step {
	start := def.StepIndex(stepID)
	if start < 0 {
		return nil
	}
	return buildQueueFrom(def, run, start)
}

func buildQueueFrom(def *schema.WorkflowDefinition, run *store.WorkflowRun, start int) []*schema.Step {
	queue := make([]*schema.Step, 0, len(def.Steps)-start)
	for i := start; i < len(def.Steps); i++ {
		step := &def.Steps[i]
		sr := run.StepRunByID(step.ID)
		if sr != nil && sr.Status.Terminal() {
			continue
		}
		queue = append(queue, step)
	}
	return queue
}
