package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioner/application/commands"
	cmdbus "provisioner/application/commands/bus"
	cmdhandlers "provisioner/application/commands/handlers"
	"provisioner/application/ports"
	"provisioner/application/projections"
	"provisioner/application/queries"
	querybus "provisioner/application/queries/bus"
	queryhandlers "provisioner/application/queries/handlers"
	"provisioner/application/sagas"
	"provisioner/domain/saga"
	"provisioner/infrastructure/config"
	"provisioner/infrastructure/persistence/memory"
	"provisioner/pkg/auth"
)

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, ports.ActionRequest) error    { return nil }
func (noopExecutor) Compensate(context.Context, ports.ActionRequest) error { return nil }
func (noopExecutor) Probe(context.Context, string) (bool, error)           { return false, nil }

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	server    *httptest.Server
	generator *auth.JWTGenerator
}

func newTestServer(t *testing.T, secret string, ipLimiter, subjectLimiter auth.RateLimiter) *testServer {
	t.Helper()
	logger := zap.NewNop()

	def, err := saga.NewDefinition("certificate.issue", []saga.StepDefinition{
		{Name: "GenerateKeyPair", CompensationName: "RevokeKeyPair"},
		{Name: "SubmitCertificateRequest", CompensationName: "WithdrawCertificateRequest", Idempotent: true},
	})
	require.NoError(t, err)
	registry := saga.NewRegistry()
	require.NoError(t, registry.Register(def))

	store := memory.NewEventStore()
	stats := projections.NewSagaStats()
	projRegistry := projections.NewRegistry(logger)
	require.NoError(t, projRegistry.Register(stats))

	engine := sagas.NewEngine(store, registry, noopExecutor{}, nil, nil, projRegistry,
		sagas.CompensationConfig{MaxAttempts: 1, BaseBackoff: time.Millisecond}, logger)

	commandBus := cmdbus.NewCommandBus()
	require.NoError(t, commandBus.Register(commands.ReportStepResultCommand{},
		cmdhandlers.NewReportStepResultHandler(engine, logger)))
	require.NoError(t, commandBus.Register(commands.CancelSagaCommand{},
		cmdhandlers.NewCancelSagaHandler(engine, logger)))

	queryBus := querybus.NewQueryBus()
	require.NoError(t, queryBus.Register(queries.GetSagaQuery{},
		queryhandlers.NewGetSagaHandler(store, nil, logger)))
	require.NoError(t, queryBus.Register(queries.ListOpenSagasQuery{},
		queryhandlers.NewListOpenSagasHandler(store, logger)))
	require.NoError(t, queryBus.Register(queries.ReadStreamQuery{},
		queryhandlers.NewReadStreamHandler(store)))
	require.NoError(t, queryBus.Register(queries.GetStatsQuery{},
		queryhandlers.NewGetStatsHandler(stats)))

	var validator *auth.JWTValidator
	var generator *auth.JWTGenerator
	if secret != "" {
		cfg := auth.JWTConfig{SecretKey: secret, Issuer: "provisioner"}
		validator, err = auth.NewJWTValidator(cfg)
		require.NoError(t, err)
		generator, err = auth.NewJWTGenerator(cfg, time.Hour)
		require.NoError(t, err)
	}

	cfg := &config.Config{Environment: "test", EnableCORS: false}
	router := NewRouter(cfg,
		cmdhandlers.NewStartSagaHandler(engine, logger),
		commandBus, queryBus, validator, ipLimiter, subjectLimiter, nil, logger)

	server := httptest.NewServer(router.Setup())
	t.Cleanup(server.Close)
	return &testServer{server: server, generator: generator}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	var envelope apiEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.True(t, envelope.Success)
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func (ts *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := ts.generator.GenerateToken(subject, "", nil)
	require.NoError(t, err)
	return token
}

func TestHealthEndpointsArePublic(t *testing.T) {
	ts := newTestServer(t, "test-secret", nil, nil)

	for _, path := range []string{"/health", "/ready"} {
		resp := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	ts := newTestServer(t, "test-secret", nil, nil)

	resp := ts.do(t, http.MethodGet, "/api/v1/sagas", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/sagas", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSagaLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, "test-secret", nil, nil)
	token := ts.token(t, "operator-1")

	resp := ts.do(t, http.MethodPost, "/api/v1/sagas", token, map[string]interface{}{
		"definition_name": "certificate.issue",
		"parameters":      map[string]string{"cn": "api.example.com"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var started struct {
		SagaID string `json:"saga_id"`
	}
	decodeData(t, resp, &started)
	require.NotEmpty(t, started.SagaID)

	resp = ts.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/sagas/%s/steps/0/result", started.SagaID), token,
		map[string]interface{}{"success": true, "output": map[string]string{"key_id": "k1"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/sagas/%s/steps/1/result", started.SagaID), token,
		map[string]interface{}{"success": true})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/sagas/"+started.SagaID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view saga.View
	decodeData(t, resp, &view)
	assert.Equal(t, saga.StatusCompleted, view.Status)

	resp = ts.do(t, http.MethodGet, "/api/v1/sagas/"+started.SagaID+"/events?from=2", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var envelopes []saga.Envelope
	decodeData(t, resp, &envelopes)
	assert.Len(t, envelopes, 5)
	assert.Equal(t, uint64(2), envelopes[0].Version)

	resp = ts.do(t, http.MethodGet, "/api/v1/stats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap projections.StatsSnapshot
	decodeData(t, resp, &snap)
	assert.Equal(t, int64(1), snap.SagasStarted)
	assert.Equal(t, int64(1), snap.SagasCompleted)
}

func TestCancelSagaOverHTTP(t *testing.T) {
	ts := newTestServer(t, "test-secret", nil, nil)
	token := ts.token(t, "operator-1")

	resp := ts.do(t, http.MethodPost, "/api/v1/sagas", token, map[string]interface{}{
		"definition_name": "certificate.issue",
		"parameters":      map[string]string{"cn": "a"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started struct {
		SagaID string `json:"saga_id"`
	}
	decodeData(t, resp, &started)

	resp = ts.do(t, http.MethodPost, "/api/v1/sagas/"+started.SagaID+"/cancel", token,
		map[string]string{"reason": "wrong environment"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/sagas/"+started.SagaID, token, nil)
	var view saga.View
	decodeData(t, resp, &view)
	assert.Equal(t, saga.StatusCompensated, view.Status)
	assert.Equal(t, "wrong environment", view.FailureReason)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, "test-secret", nil, nil)
	token := ts.token(t, "operator-1")

	t.Run("unknown saga is 404", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/api/v1/sagas/nope", token, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown definition is 404", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/v1/sagas", token,
			map[string]string{"definition_name": "no.such.saga"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("duplicate scope is 409", func(t *testing.T) {
		body := map[string]interface{}{
			"definition_name": "certificate.issue",
			"parameters":      map[string]string{"cn": "dup"},
		}
		resp := ts.do(t, http.MethodPost, "/api/v1/sagas", token, body)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		resp = ts.do(t, http.MethodPost, "/api/v1/sagas", token, body)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("stale report is 410", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/v1/sagas", token, map[string]interface{}{
			"definition_name": "certificate.issue",
			"parameters":      map[string]string{"cn": "stale"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var started struct {
			SagaID string `json:"saga_id"`
		}
		decodeData(t, resp, &started)

		resp = ts.do(t, http.MethodPost,
			"/api/v1/sagas/"+started.SagaID+"/steps/1/result", token,
			map[string]interface{}{"success": true})
		assert.Equal(t, http.StatusGone, resp.StatusCode)
	})

	t.Run("missing definition name is 400", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/v1/sagas", token, map[string]string{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("non-integer step index is 400", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/v1/sagas/x/steps/zero/result", token,
			map[string]interface{}{"success": true})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestIPRateLimit(t *testing.T) {
	ts := newTestServer(t, "", auth.NewIPRateLimiter(2), nil)

	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodGet, "/api/v1/sagas", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := ts.do(t, http.MethodGet, "/api/v1/sagas", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAnonymousModeWithoutValidator(t *testing.T) {
	ts := newTestServer(t, "", nil, nil)

	resp := ts.do(t, http.MethodGet, "/api/v1/sagas", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
