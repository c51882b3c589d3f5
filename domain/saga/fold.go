package saga

// Fold applies one envelope to a view and returns the new view. It is pure,
// total and deterministic: the same inputs always yield the same output, it
// never fails on a structurally valid envelope, and it silently no-ops on
// event variants it does not recognize so that streams written by newer
// processes still fold. Safe to run concurrently for reads; it never
// mutates shared state.
func Fold(v View, env Envelope) View {
	event, err := env.Event()
	if err != nil {
		// A structurally broken payload is a store defect, not a fold
		// error; the envelope still advances the version so replay
		// stays aligned with the stream.
		v.Version = env.Version
		return v
	}

	v.Version = env.Version
	v.UpdatedAt = env.Timestamp

	switch e := event.(type) {
	case Started:
		v.SagaID = env.SagaID
		v.DefinitionName = e.DefinitionName
		v.ScopeKey = e.ScopeKey
		v.CorrelationID = env.CorrelationID
		v.Parameters = e.Parameters
		v.Status = StatusRunning
		v.Cursor = 0
		v.StepCount = e.StepCount
		v.Steps = make([]StepRecord, e.StepCount)
		for i := range v.Steps {
			v.Steps[i] = StepRecord{Index: i, Status: StepPending}
		}
		v.FailedStep = -1
		v.StartedAt = env.Timestamp

	case StepStarted:
		if validStep(v, e.StepIndex) {
			steps := cloneSteps(v.Steps)
			rec := steps[e.StepIndex]
			rec.Name = e.StepName
			rec.Status = StepInFlight
			rec.Attempts = e.Attempt
			rec.IdempotencyKey = e.IdempotencyKey
			steps[e.StepIndex] = rec
			v.Steps = steps
		}

	case StepCompleted:
		if validStep(v, e.StepIndex) {
			steps := cloneSteps(v.Steps)
			rec := steps[e.StepIndex]
			rec.Status = StepDone
			rec.Output = e.Output
			steps[e.StepIndex] = rec
			v.Steps = steps
			v.CompletionOrder = appendIndex(v.CompletionOrder, e.StepIndex)
			v.Cursor = e.StepIndex + 1
		}

	case StepFailed:
		if validStep(v, e.StepIndex) {
			steps := cloneSteps(v.Steps)
			rec := steps[e.StepIndex]
			rec.Status = StepFailedAt
			rec.Reason = e.Reason
			steps[e.StepIndex] = rec
			v.Steps = steps
		}
		v.Status = StatusCompensating
		v.FailedStep = e.StepIndex
		v.FailureReason = e.Reason

	case Completed:
		v.Status = StatusCompleted

	case Failed:
		v.Status = StatusFailed
		if v.FailureReason == "" {
			v.FailureReason = e.Reason
		}

	case CompensationStarted:
		queue := make([]int, len(e.Queue))
		copy(queue, e.Queue)
		v.Compensation = &CompensationProgress{
			FailedStep: e.FailedStep,
			Queue:      queue,
		}

	case CompensationStepCompleted:
		if v.Compensation != nil {
			progress := *v.Compensation
			progress.Queue = dropIndex(progress.Queue, e.StepIndex)
			progress.Results = append(progress.Results[:len(progress.Results):len(progress.Results)], CompensationStepRecord{
				StepIndex: e.StepIndex,
				Outcome:   e.Outcome,
				Attempts:  e.Attempts,
				Reason:    e.Reason,
			})
			v.Compensation = &progress
		}

	case CompensationCompleted:
		v.CompensationOutcome = e.Outcome
		if e.Outcome == CompensationFailed {
			v.Status = StatusFailed
		} else {
			v.Status = StatusCompensated
		}

	case Resumed:
		if validStep(v, e.StepIndex) && v.Steps[e.StepIndex].Status == StepInFlight {
			steps := cloneSteps(v.Steps)
			rec := steps[e.StepIndex]
			rec.Status = StepDone
			rec.ResolvedByProbe = true
			steps[e.StepIndex] = rec
			v.Steps = steps
			v.CompletionOrder = appendIndex(v.CompletionOrder, e.StepIndex)
			v.Cursor = e.StepIndex + 1
		}

	case Recovered:
		v.RecoveryAttempts++
		v.LastRecoveryAction = e.Action

	default:
		// Unknown or future variant: forward-compatible no-op.
	}

	return v
}

// FoldStream folds a whole stream from the seed state
func FoldStream(id SagaID, envelopes []Envelope) View {
	v := NewView(id)
	for _, env := range envelopes {
		v = Fold(v, env)
	}
	return v
}

func validStep(v View, index int) bool {
	return index >= 0 && index < len(v.Steps)
}

// cloneSteps keeps the fold value-semantic: the input view's backing array
// is never written through.
func cloneSteps(steps []StepRecord) []StepRecord {
	out := make([]StepRecord, len(steps))
	copy(out, steps)
	return out
}

func appendIndex(order []int, index int) []int {
	out := make([]int, len(order), len(order)+1)
	copy(out, order)
	return append(out, index)
}

func dropIndex(queue []int, index int) []int {
	out := make([]int, 0, len(queue))
	for _, idx := range queue {
		if idx != index {
			out = append(out, idx)
		}
	}
	return out
}
