// Package executor holds adapters for the out-of-process action executor.
// The executor owns every side effect; the engine only requests actions and
// receives outcomes back through the report-step-result command.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"provisioner/application/ports"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ClientConfig configures the HTTP executor client
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration

	// Circuit breaker tuning
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 5
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.8
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
	return c
}

// HTTPClient implements the action-executor port over the executor's REST
// API, behind a circuit breaker so a dead executor fails dispatches fast
// instead of stalling the engine.
type HTTPClient struct {
	cfg     ClientConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPClient creates an executor client
func NewHTTPClient(cfg ClientConfig, logger *zap.Logger) *HTTPClient {
	cfg = cfg.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "action-executor",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Executor circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &HTTPClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		logger:  logger,
	}
}

type actionPayload struct {
	SagaID         string          `json:"saga_id"`
	CorrelationID  string          `json:"correlation_id"`
	StepIndex      int             `json:"step_index"`
	ActionName     string          `json:"action_name"`
	IdempotencyKey string          `json:"idempotency_key"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
}

type probeResponse struct {
	Applied bool `json:"applied"`
}

// Execute requests a forward action
func (c *HTTPClient) Execute(ctx context.Context, req ports.ActionRequest) error {
	return c.post(ctx, "/v1/actions/execute", req)
}

// Compensate requests a compensating action
func (c *HTTPClient) Compensate(ctx context.Context, req ports.ActionRequest) error {
	return c.post(ctx, "/v1/actions/compensate", req)
}

// Probe asks whether the side effect behind key has already been applied
func (c *HTTPClient) Probe(ctx context.Context, key string) (bool, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		endpoint := fmt.Sprintf("%s/v1/actions/%s/applied", c.cfg.BaseURL, url.PathEscape(key))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return false, err
		}

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return false, fmt.Errorf("probe %s: unexpected status %d", key, resp.StatusCode)
		}

		var body probeResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, fmt.Errorf("probe %s: decode response: %w", key, err)
		}
		return body.Applied, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (c *HTTPClient) post(ctx context.Context, path string, req ports.ActionRequest) error {
	body, err := json.Marshal(actionPayload{
		SagaID:         req.SagaID.String(),
		CorrelationID:  req.CorrelationID.String(),
		StepIndex:      req.StepIndex,
		ActionName:     req.ActionName,
		IdempotencyKey: req.IdempotencyKey,
		Parameters:     req.Parameters,
	})
	if err != nil {
		return fmt.Errorf("marshal action request: %w", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		// 202 means the executor accepted the request and will report the
		// outcome asynchronously. 409 means it already holds this key,
		// which is success for an at-most-once dispatch.
		switch resp.StatusCode {
		case http.StatusAccepted, http.StatusOK, http.StatusConflict:
			return nil, nil
		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("executor returned status %d: %s", resp.StatusCode, msg)
		}
	})
	if err != nil {
		c.logger.Debug("Action dispatch failed",
			zap.String("saga_id", req.SagaID.String()),
			zap.String("action", req.ActionName),
			zap.Error(err),
		)
	}
	return err
}
