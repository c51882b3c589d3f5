package sagas

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioner/application/ports"
	"provisioner/domain/saga"
	"provisioner/infrastructure/persistence/memory"
)

// fakeExecutor records dispatch requests and fails the actions it is told
// to fail. Outcomes still arrive through ReportStepResult, as they do with
// the real out-of-process executor.
type fakeExecutor struct {
	mu            sync.Mutex
	executed      []ports.ActionRequest
	compensated   []ports.ActionRequest
	executeErr    map[string]error
	compensateErr map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		executeErr:    make(map[string]error),
		compensateErr: make(map[string]error),
	}
}

func (f *fakeExecutor) Execute(_ context.Context, req ports.ActionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, req)
	return f.executeErr[req.ActionName]
}

func (f *fakeExecutor) Compensate(_ context.Context, req ports.ActionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compensated = append(f.compensated, req)
	return f.compensateErr[req.ActionName]
}

func (f *fakeExecutor) Probe(context.Context, string) (bool, error) {
	return false, nil
}

func testRegistry(t *testing.T) *saga.Registry {
	t.Helper()
	cert, err := saga.NewDefinition("certificate.issue", []saga.StepDefinition{
		{Name: "GenerateKeyPair", CompensationName: "RevokeKeyPair"},
		{Name: "SubmitCertificateRequest", CompensationName: "WithdrawCertificateRequest", Idempotent: true},
	})
	require.NoError(t, err)
	mail, err := saga.NewDefinition("mail.provision", []saga.StepDefinition{
		{Name: "CreateMailbox", CompensationName: "DeleteMailbox"},
		{Name: "ConfigureForwarding", CompensationName: "RemoveForwarding"},
		{Name: "EnableAccount", CompensationName: "DisableAccount"},
	})
	require.NoError(t, err)
	registry := saga.NewRegistry()
	require.NoError(t, registry.Register(cert))
	require.NoError(t, registry.Register(mail))
	return registry
}

// fakeMetrics counts increments so terminal paths can be asserted against
// the metrics port.
type fakeMetrics struct {
	mu          sync.Mutex
	started     int
	completed   int
	failed      int
	compensated map[saga.CompensationOutcome]int
	conflicts   int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{compensated: make(map[saga.CompensationOutcome]int)}
}

func (m *fakeMetrics) IncSagaStarted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *fakeMetrics) IncSagaCompleted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *fakeMetrics) IncSagaFailed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *fakeMetrics) IncSagaCompensated(_ string, outcome saga.CompensationOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensated[outcome]++
}

func (m *fakeMetrics) IncRecoveryAction(saga.RecoveryAction) {}

func (m *fakeMetrics) IncConcurrencyConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

func newTestEngine(t *testing.T) (*Engine, *memory.EventStore, *fakeExecutor) {
	t.Helper()
	store := memory.NewEventStore()
	executor := newFakeExecutor()
	engine := NewEngine(store, testRegistry(t), executor, nil, nil, nil,
		CompensationConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		zap.NewNop(),
	)
	return engine, store, executor
}

func streamKinds(t *testing.T, store *memory.EventStore, id saga.SagaID) []saga.EventKind {
	t.Helper()
	envs, err := store.Read(context.Background(), id, 1)
	require.NoError(t, err)
	kinds := make([]saga.EventKind, 0, len(envs))
	for _, env := range envs {
		kinds = append(kinds, env.EventKind)
	}
	return kinds
}

func TestEngine_HappyPath(t *testing.T) {
	engine, store, executor := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"api.example.com"}`), "corr-1")
	require.NoError(t, err)
	require.NoError(t, engine.ReportStepResult(ctx, id, 0, saga.StepOutcome{Success: true, Output: json.RawMessage(`{"key_id":"k1"}`)}))
	require.NoError(t, engine.ReportStepResult(ctx, id, 1, saga.StepOutcome{Success: true}))

	assert.Equal(t, []saga.EventKind{
		saga.KindStarted,
		saga.KindStepStarted,
		saga.KindStepCompleted,
		saga.KindStepStarted,
		saga.KindStepCompleted,
		saga.KindCompleted,
	}, streamKinds(t, store, id))

	view, err := engine.LoadView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, view.Status)
	assert.JSONEq(t, `{"key_id":"k1"}`, string(view.Steps[0].Output))

	require.Len(t, executor.executed, 2)
	assert.Equal(t, view.ScopeKey+"/0", executor.executed[0].IdempotencyKey)
	assert.Equal(t, view.ScopeKey+"/1", executor.executed[1].IdempotencyKey)
	assert.Empty(t, executor.compensated)
}

func TestEngine_FailureCompensatesInReverse(t *testing.T) {
	engine, store, executor := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)
	require.NoError(t, engine.ReportStepResult(ctx, id, 0, saga.StepOutcome{Success: true}))
	require.NoError(t, engine.ReportStepResult(ctx, id, 1, saga.StepOutcome{Success: false, Reason: "ca rejected"}))

	view, err := engine.LoadView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, view.Status)
	assert.Equal(t, saga.FullyCompensated, view.CompensationOutcome)
	assert.Equal(t, 1, view.FailedStep)
	assert.Equal(t, "ca rejected", view.FailureReason)

	require.Len(t, executor.compensated, 1)
	assert.Equal(t, "RevokeKeyPair", executor.compensated[0].ActionName)
	assert.Equal(t, view.ScopeKey+"/0/compensate", executor.compensated[0].IdempotencyKey)

	kinds := streamKinds(t, store, id)
	assert.Equal(t, saga.KindCompensationCompleted, kinds[len(kinds)-1])
}

func TestEngine_ThreeStepFailureCompensatesBothCompletedSteps(t *testing.T) {
	engine, store, executor := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Start(ctx, "mail.provision", json.RawMessage(`{"user":"mallory"}`), "")
	require.NoError(t, err)
	require.NoError(t, engine.ReportStepResult(ctx, id, 0, saga.StepOutcome{Success: true}))
	require.NoError(t, engine.ReportStepResult(ctx, id, 1, saga.StepOutcome{Success: true}))
	require.NoError(t, engine.ReportStepResult(ctx, id, 2, saga.StepOutcome{Success: false, Reason: "quota exceeded"}))

	assert.Equal(t, []saga.EventKind{
		saga.KindStarted,
		saga.KindStepStarted,
		saga.KindStepCompleted,
		saga.KindStepStarted,
		saga.KindStepCompleted,
		saga.KindStepStarted,
		saga.KindStepFailed,
		saga.KindCompensationStarted,
		saga.KindCompensationStepCompleted,
		saga.KindCompensationStepCompleted,
		saga.KindCompensationCompleted,
	}, streamKinds(t, store, id))

	view, err := engine.LoadView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, view.Status)
	assert.Equal(t, saga.FullyCompensated, view.CompensationOutcome)
	assert.Equal(t, 2, view.FailedStep)

	// Reverse completion order: step 1 is undone before step 0.
	require.Len(t, executor.compensated, 2)
	assert.Equal(t, "RemoveForwarding", executor.compensated[0].ActionName)
	assert.Equal(t, "DeleteMailbox", executor.compensated[1].ActionName)
	assert.Equal(t, view.ScopeKey+"/1/compensate", executor.compensated[0].IdempotencyKey)
	assert.Equal(t, view.ScopeKey+"/0/compensate", executor.compensated[1].IdempotencyKey)

	require.Len(t, view.Compensation.Results, 2)
	assert.Equal(t, 1, view.Compensation.Results[0].StepIndex)
	assert.Equal(t, 0, view.Compensation.Results[1].StepIndex)
}

func TestEngine_CompensationRetriesThenRecordsFailure(t *testing.T) {
	engine, _, executor := newTestEngine(t)
	executor.compensateErr["RevokeKeyPair"] = errors.New("hsm offline")
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)
	require.NoError(t, engine.ReportStepResult(ctx, id, 0, saga.StepOutcome{Success: true}))
	require.NoError(t, engine.ReportStepResult(ctx, id, 1, saga.StepOutcome{Success: false, Reason: "x"}))

	view, err := engine.LoadView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, view.Status)
	assert.Equal(t, saga.CompensationFailed, view.CompensationOutcome)
	require.Len(t, view.Compensation.Results, 1)
	assert.Equal(t, 2, view.Compensation.Results[0].Attempts)
	assert.Len(t, executor.compensated, 2)
}

func TestEngine_TerminalStatesReachTheMetricsPort(t *testing.T) {
	store := memory.NewEventStore()
	executor := newFakeExecutor()
	executor.compensateErr["RevokeKeyPair"] = errors.New("hsm offline")
	metrics := newFakeMetrics()
	engine := NewEngine(store, testRegistry(t), executor, nil, metrics, nil,
		CompensationConfig{MaxAttempts: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		zap.NewNop(),
	)
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)
	require.NoError(t, engine.ReportStepResult(ctx, id, 0, saga.StepOutcome{Success: true}))
	require.NoError(t, engine.ReportStepResult(ctx, id, 1, saga.StepOutcome{Success: false, Reason: "x"}))

	view, err := engine.LoadView(ctx, id)
	require.NoError(t, err)
	require.Equal(t, saga.StatusFailed, view.Status)

	assert.Equal(t, 1, metrics.started)
	assert.Equal(t, 1, metrics.failed, "a failed compensation walk counts as a failed saga")
	assert.Equal(t, 1, metrics.compensated[saga.CompensationFailed])
	assert.Zero(t, metrics.completed)

	t.Run("completion", func(t *testing.T) {
		id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"b"}`), "")
		require.NoError(t, err)
		require.NoError(t, engine.ReportStepResult(ctx, id, 0, saga.StepOutcome{Success: true}))
		require.NoError(t, engine.ReportStepResult(ctx, id, 1, saga.StepOutcome{Success: true}))
		assert.Equal(t, 1, metrics.completed)
		assert.Equal(t, 1, metrics.failed, "completion does not touch the failed counter")
	})
}

func TestEngine_DuplicateReportIsNoOp(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)
	require.NoError(t, engine.ReportStepResult(ctx, id, 0, saga.StepOutcome{Success: true}))

	before := streamKinds(t, store, id)
	require.NoError(t, engine.ReportStepResult(ctx, id, 0, saga.StepOutcome{Success: true}))
	assert.Equal(t, before, streamKinds(t, store, id), "a replayed result appends nothing")
}

func TestEngine_StaleReportIsDropped(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)

	err = engine.ReportStepResult(ctx, id, 1, saga.StepOutcome{Success: true})
	assert.ErrorIs(t, err, saga.ErrStaleReport)
}

func TestEngine_CancelCompensatesRunningSaga(t *testing.T) {
	engine, _, executor := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)
	require.NoError(t, engine.ReportStepResult(ctx, id, 0, saga.StepOutcome{Success: true}))
	require.NoError(t, engine.Cancel(ctx, id, "operator abort"))

	view, err := engine.LoadView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, view.Status)
	assert.Equal(t, "operator abort", view.FailureReason)
	require.Len(t, executor.compensated, 1)
	assert.Equal(t, "RevokeKeyPair", executor.compensated[0].ActionName)
}

func TestEngine_CancelBeforeAnyCompletionNeedsNoCompensation(t *testing.T) {
	engine, _, executor := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)
	require.NoError(t, engine.Cancel(ctx, id, ""))

	view, err := engine.LoadView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, view.Status)
	assert.Equal(t, saga.CompensationNotNeeded, view.CompensationOutcome)
	assert.Empty(t, executor.compensated)
}

func TestEngine_CancelTerminalSagaFails(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)
	require.NoError(t, engine.Cancel(ctx, id, ""))

	err = engine.Cancel(ctx, id, "again")
	assert.ErrorIs(t, err, saga.ErrStaleReport)
}

func TestEngine_DispatchFailureResolvesStepAsFailed(t *testing.T) {
	engine, store, executor := newTestEngine(t)
	executor.executeErr["GenerateKeyPair"] = errors.New("executor unreachable")
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err, "a failed dispatch resolves through compensation, not a start error")

	view, err := engine.LoadView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, view.Status)
	assert.Equal(t, saga.CompensationNotNeeded, view.CompensationOutcome)
	assert.Contains(t, view.FailureReason, "dispatch failed")

	kinds := streamKinds(t, store, id)
	assert.Contains(t, kinds, saga.KindStepFailed)
}

func TestEngine_DuplicateScopeRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)

	_, err = engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	assert.ErrorIs(t, err, saga.ErrDuplicateSaga)

	// Different parameters derive a different scope and may run concurrently.
	_, err = engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"b"}`), "")
	assert.NoError(t, err)
}

func TestEngine_ScopeReleasedAfterTerminal(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)
	require.NoError(t, engine.ReportStepResult(ctx, id, 0, saga.StepOutcome{Success: true}))
	require.NoError(t, engine.ReportStepResult(ctx, id, 1, saga.StepOutcome{Success: true}))

	_, err = engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	assert.NoError(t, err, "a closed stream releases its scope for the next run")
}

func TestEngine_NextAction(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := engine.Start(ctx, "certificate.issue", json.RawMessage(`{"cn":"a"}`), "")
	require.NoError(t, err)

	action, err := engine.NextAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.ActionNone, action.Type, "step 0 is in flight, nothing to do until the report")
}

func TestEngine_UnknownDefinition(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Start(context.Background(), "no.such.saga", nil, "")
	assert.ErrorIs(t, err, saga.ErrUnknownDefinition)
}
