package engine

import (
	"github.com/sicko7947/hubflow"
)

// position is where a run stands according to its persisted step executions
type position struct {
	index      int
	context    *hubflow.RunContext
	hadFailure bool
	// attempts already recorded for the step at index
	attempts int
	// abortedBy is set when an Abort-policy step failed for good
	abortedBy *hubflow.StepExecution
}

// replay rebuilds the run position from the audit trail so a claimed run
// resumes exactly after its last completed step
func replay(def *hubflow.WorkflowDefinition, execs []*hubflow.StepExecution) position {
	byIndex := make(map[int][]*hubflow.StepExecution, len(def.Steps))
	for _, exec := range execs {
		byIndex[exec.StepIndex] = append(byIndex[exec.StepIndex], exec)
	}

	pos := position{context: hubflow.NewRunContext()}
	policy := def.EffectiveFailurePolicy()

	for pos.index < len(def.Steps) {
		step := &def.Steps[pos.index]
		records := byIndex[pos.index]

		var success, last *hubflow.StepExecution
		for _, rec := range records {
			if rec.Succeeded() {
				success = rec
			}
			if last == nil || rec.Attempt > last.Attempt {
				last = rec
			}
		}

		if success != nil {
			if !success.Skipped {
				pos.context.Set(success.OutputKey, success.Output, step.ID)
			}
			pos.index++
			continue
		}

		if last != nil && finalFailure(step, last.Attempt, last.ErrorKind) {
			if policy == hubflow.FailurePolicyContinueOnError {
				pos.hadFailure = true
				pos.index++
				continue
			}
			pos.abortedBy = last
			pos.attempts = last.Attempt
			return pos
		}

		if last != nil {
			pos.attempts = last.Attempt
		}
		return pos
	}

	return pos
}
