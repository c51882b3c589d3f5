package saga

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seal builds an envelope stream for fold tests; versions are assigned in
// order starting at 1.
func sealStream(t *testing.T, id SagaID, events ...Event) []Envelope {
	t.Helper()
	envs := make([]Envelope, 0, len(events))
	for i, event := range events {
		env, err := NewEnvelope(id, uint64(i+1), event, "corr-1", "", time.Now())
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func TestFoldStream_HappyPath(t *testing.T) {
	id := SagaID("saga-1")
	stream := sealStream(t, id,
		Started{DefinitionName: "keypair.issue", ScopeKey: "keypair.issue/abc", StepCount: 2},
		StepStarted{StepIndex: 0, StepName: "GenerateKeyPair", IdempotencyKey: "keypair.issue/abc/0", Attempt: 1},
		StepCompleted{StepIndex: 0, StepName: "GenerateKeyPair", Output: json.RawMessage(`{"key_id":"k1"}`)},
		StepStarted{StepIndex: 1, StepName: "RegisterPublicKey", IdempotencyKey: "keypair.issue/abc/1", Attempt: 1},
		StepCompleted{StepIndex: 1, StepName: "RegisterPublicKey"},
		Completed{},
	)

	v := FoldStream(id, stream)

	assert.Equal(t, StatusCompleted, v.Status)
	assert.Equal(t, uint64(6), v.Version)
	assert.Equal(t, 2, v.Cursor)
	assert.Equal(t, []int{0, 1}, v.CompletionOrder)
	assert.Equal(t, StepDone, v.Steps[0].Status)
	assert.Equal(t, StepDone, v.Steps[1].Status)
	assert.JSONEq(t, `{"key_id":"k1"}`, string(v.Steps[0].Output))
	assert.False(t, v.Open())
}

func TestFoldStream_FailureOpensCompensation(t *testing.T) {
	id := SagaID("saga-2")
	stream := sealStream(t, id,
		Started{DefinitionName: "keypair.issue", ScopeKey: "s", StepCount: 2},
		StepStarted{StepIndex: 0, StepName: "GenerateKeyPair", Attempt: 1},
		StepCompleted{StepIndex: 0, StepName: "GenerateKeyPair"},
		StepStarted{StepIndex: 1, StepName: "RegisterPublicKey", Attempt: 1},
		StepFailed{StepIndex: 1, StepName: "RegisterPublicKey", Reason: "registry unreachable"},
		CompensationStarted{FailedStep: 1, Queue: []int{0}},
		CompensationStepCompleted{StepIndex: 0, Outcome: CompStepSucceeded, Attempts: 1},
		CompensationCompleted{Outcome: FullyCompensated},
	)

	v := FoldStream(id, stream)

	assert.Equal(t, StatusCompensated, v.Status)
	assert.Equal(t, 1, v.FailedStep)
	assert.Equal(t, "registry unreachable", v.FailureReason)
	assert.Equal(t, FullyCompensated, v.CompensationOutcome)
	require.NotNil(t, v.Compensation)
	assert.Empty(t, v.Compensation.Queue)
	require.Len(t, v.Compensation.Results, 1)
	assert.Equal(t, CompStepSucceeded, v.Compensation.Results[0].Outcome)
}

func TestFold_CompensationFailedClosesAsFailed(t *testing.T) {
	id := SagaID("saga-3")
	stream := sealStream(t, id,
		Started{DefinitionName: "d", ScopeKey: "s", StepCount: 1},
		StepStarted{StepIndex: 0, StepName: "a", Attempt: 1},
		StepFailed{StepIndex: 0, StepName: "a", Reason: "boom"},
		CompensationStarted{FailedStep: 0, Queue: nil},
		CompensationCompleted{Outcome: CompensationFailed},
	)

	v := FoldStream(id, stream)
	assert.Equal(t, StatusFailed, v.Status)
	assert.Equal(t, CompensationFailed, v.CompensationOutcome)
}

func TestFold_ResumedResolvesInFlightStep(t *testing.T) {
	id := SagaID("saga-4")
	stream := sealStream(t, id,
		Started{DefinitionName: "d", ScopeKey: "s", StepCount: 2},
		StepStarted{StepIndex: 0, StepName: "a", Attempt: 1},
		Resumed{StepIndex: 0, StepName: "a"},
	)

	v := FoldStream(id, stream)
	assert.Equal(t, StepDone, v.Steps[0].Status)
	assert.True(t, v.Steps[0].ResolvedByProbe)
	assert.Equal(t, 1, v.Cursor)
	assert.Equal(t, []int{0}, v.CompletionOrder)
}

func TestFold_RecoveredCountsAttempts(t *testing.T) {
	id := SagaID("saga-5")
	stream := sealStream(t, id,
		Started{DefinitionName: "d", ScopeKey: "s", StepCount: 1},
		Recovered{Action: RecoveryRetried, Reason: "re-dispatching"},
		Recovered{Action: RecoveryResumed, Reason: "probe confirmed"},
	)

	v := FoldStream(id, stream)
	assert.Equal(t, 2, v.RecoveryAttempts)
	assert.Equal(t, RecoveryResumed, v.LastRecoveryAction)
}

func TestFold_UnknownKindIsNoOpButAdvancesVersion(t *testing.T) {
	id := SagaID("saga-6")
	stream := sealStream(t, id,
		Started{DefinitionName: "d", ScopeKey: "s", StepCount: 1},
	)
	unknown := Envelope{
		EventID:   "e-x",
		SagaID:    id,
		Version:   2,
		EventKind: "saga.step.rescheduled",
		Payload:   json.RawMessage(`{"step_index":0}`),
	}

	v := FoldStream(id, append(stream, unknown))

	assert.Equal(t, uint64(2), v.Version, "unknown envelopes still advance the version")
	assert.Equal(t, StatusRunning, v.Status)
	assert.Equal(t, StepPending, v.Steps[0].Status)
}

func TestFold_IsPureValueSemantics(t *testing.T) {
	id := SagaID("saga-7")
	stream := sealStream(t, id,
		Started{DefinitionName: "d", ScopeKey: "s", StepCount: 1},
		StepStarted{StepIndex: 0, StepName: "a", Attempt: 1},
	)

	before := FoldStream(id, stream)
	done, err := NewEnvelope(id, before.Version+1, StepCompleted{StepIndex: 0, StepName: "a"}, "corr-1", "", time.Now())
	require.NoError(t, err)

	after := Fold(before, done)

	assert.Equal(t, StepInFlight, before.Steps[0].Status, "folding must not mutate the input view")
	assert.Equal(t, StepDone, after.Steps[0].Status)
}

func TestFold_ReplayIsDeterministic(t *testing.T) {
	id := SagaID("saga-8")
	stream := sealStream(t, id,
		Started{DefinitionName: "d", ScopeKey: "s", StepCount: 2},
		StepStarted{StepIndex: 0, StepName: "a", Attempt: 1},
		StepCompleted{StepIndex: 0, StepName: "a"},
		StepStarted{StepIndex: 1, StepName: "b", Attempt: 1},
		StepFailed{StepIndex: 1, StepName: "b", Reason: "x"},
	)

	first := FoldStream(id, stream)
	second := FoldStream(id, stream)
	assert.Equal(t, first, second)
}
