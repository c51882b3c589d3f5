package saga

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealEvent(t *testing.T, id SagaID, version uint64, event Event) Envelope {
	t.Helper()
	env, err := NewEnvelope(id, version, event, "corr-1", "", time.Now())
	require.NoError(t, err)
	return env
}

func TestNewEnvelope_SealsCanonicalPayload(t *testing.T) {
	env := sealEvent(t, "saga-1", 1, Started{
		DefinitionName: "certificate.issue",
		ScopeKey:       "certificate.issue/abc",
		StepCount:      2,
	})

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, uint64(1), env.Version)
	assert.Equal(t, KindStarted, env.EventKind)
	assert.NotEmpty(t, env.ContentAddress)
	assert.Equal(t, Verified, env.Verify())

	event, err := env.Event()
	require.NoError(t, err)
	started, ok := event.(Started)
	require.True(t, ok)
	assert.Equal(t, "certificate.issue", started.DefinitionName)
}

func TestVerify_TriState(t *testing.T) {
	env := sealEvent(t, "saga-1", 1, Completed{})
	assert.Equal(t, Verified, env.Verify())

	tampered := env
	tampered.Payload = json.RawMessage(`{"injected":true}`)
	assert.Equal(t, Invalid, tampered.Verify())

	legacy := env
	legacy.ContentAddress = ""
	assert.Equal(t, Unverifiable, legacy.Verify(), "pre-addressing envelopes are unverifiable, not invalid")
}

func TestEnvelope_UnknownKindDecodesToUnknownEvent(t *testing.T) {
	env := Envelope{
		EventID:   "e-1",
		SagaID:    "saga-1",
		Version:   3,
		EventKind: "saga.step.rescheduled",
		Payload:   json.RawMessage(`{"step_index":1}`),
	}

	event, err := env.Event()
	require.NoError(t, err)
	unknown, ok := event.(UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, EventKind("saga.step.rescheduled"), unknown.Kind())
	assert.False(t, env.IsTerminal())
}

func TestEnvelope_IsTerminal(t *testing.T) {
	assert.True(t, sealEvent(t, "s", 5, Completed{}).IsTerminal())
	assert.True(t, sealEvent(t, "s", 5, Failed{Reason: "x"}).IsTerminal())
	assert.True(t, sealEvent(t, "s", 5, CompensationCompleted{Outcome: FullyCompensated}).IsTerminal())
	assert.False(t, sealEvent(t, "s", 5, StepCompleted{StepIndex: 0}).IsTerminal())
}
