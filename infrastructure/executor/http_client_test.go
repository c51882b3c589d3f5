package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioner/application/ports"
)

type capturedRequest struct {
	method string
	path   string
	body   actionPayload
}

func newExecutorServer(t *testing.T, status int, probeApplied bool) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		captured []capturedRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		req := capturedRequest{method: r.Method, path: r.URL.EscapedPath()}
		if r.Method == http.MethodPost {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req.body))
		}
		captured = append(captured, req)

		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(probeResponse{Applied: probeApplied})
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, &captured
}

func actionRequest() ports.ActionRequest {
	return ports.ActionRequest{
		SagaID:         "saga-1",
		CorrelationID:  "corr-1",
		StepIndex:      0,
		ActionName:     "GenerateKeyPair",
		IdempotencyKey: "certificate.issue/abc/0",
		Parameters:     json.RawMessage(`{"cn":"api.example.com"}`),
	}
}

func TestExecute_PostsAction(t *testing.T) {
	server, captured := newExecutorServer(t, http.StatusAccepted, false)
	client := NewHTTPClient(ClientConfig{BaseURL: server.URL}, zap.NewNop())

	require.NoError(t, client.Execute(context.Background(), actionRequest()))

	require.Len(t, *captured, 1)
	got := (*captured)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v1/actions/execute", got.path)
	assert.Equal(t, "saga-1", got.body.SagaID)
	assert.Equal(t, "certificate.issue/abc/0", got.body.IdempotencyKey)
	assert.JSONEq(t, `{"cn":"api.example.com"}`, string(got.body.Parameters))
}

func TestCompensate_PostsAction(t *testing.T) {
	server, captured := newExecutorServer(t, http.StatusAccepted, false)
	client := NewHTTPClient(ClientConfig{BaseURL: server.URL}, zap.NewNop())

	require.NoError(t, client.Compensate(context.Background(), actionRequest()))

	require.Len(t, *captured, 1)
	assert.Equal(t, "/v1/actions/compensate", (*captured)[0].path)
}

func TestExecute_ConflictMeansAlreadyDispatched(t *testing.T) {
	server, _ := newExecutorServer(t, http.StatusConflict, false)
	client := NewHTTPClient(ClientConfig{BaseURL: server.URL}, zap.NewNop())

	assert.NoError(t, client.Execute(context.Background(), actionRequest()),
		"the executor already holds this idempotency key")
}

func TestExecute_ServerErrorSurfaces(t *testing.T) {
	server, _ := newExecutorServer(t, http.StatusInternalServerError, false)
	client := NewHTTPClient(ClientConfig{BaseURL: server.URL}, zap.NewNop())

	err := client.Execute(context.Background(), actionRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestProbe(t *testing.T) {
	server, captured := newExecutorServer(t, http.StatusOK, true)
	client := NewHTTPClient(ClientConfig{BaseURL: server.URL}, zap.NewNop())

	applied, err := client.Probe(context.Background(), "certificate.issue/abc/0")
	require.NoError(t, err)
	assert.True(t, applied)

	require.Len(t, *captured, 1)
	got := (*captured)[0]
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/v1/actions/"+url.PathEscape("certificate.issue/abc/0")+"/applied", got.path)
}

func TestCircuitBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(ClientConfig{
		BaseURL:          server.URL,
		MinRequests:      3,
		FailureThreshold: 0.5,
	}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, client.Execute(ctx, actionRequest()))
	}

	// The breaker is open now; the request fails without reaching the server.
	err := client.Execute(ctx, actionRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}
