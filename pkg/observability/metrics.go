package observability

import (
	"context"

	"provisioner/domain/saga"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

// CloudWatchMetrics implements the metrics port on CloudWatch. Emission is
// fire-and-forget: a metrics outage must never fail a saga operation.
type CloudWatchMetrics struct {
	namespace string
	client    *cloudwatch.Client
	logger    *zap.Logger
}

// NewCloudWatchMetrics creates a metrics emitter. A nil client disables
// emission, which keeps local development quiet.
func NewCloudWatchMetrics(namespace string, client *cloudwatch.Client, logger *zap.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{
		namespace: namespace,
		client:    client,
		logger:    logger,
	}
}

// IncSagaStarted counts a started saga
func (m *CloudWatchMetrics) IncSagaStarted(definition string) {
	m.count("SagasStarted", dims("Definition", definition))
}

// IncSagaCompleted counts a completed saga
func (m *CloudWatchMetrics) IncSagaCompleted(definition string) {
	m.count("SagasCompleted", dims("Definition", definition))
}

// IncSagaFailed counts a failed saga
func (m *CloudWatchMetrics) IncSagaFailed(definition string) {
	m.count("SagasFailed", dims("Definition", definition))
}

// IncSagaCompensated counts a compensated saga by outcome
func (m *CloudWatchMetrics) IncSagaCompensated(definition string, outcome saga.CompensationOutcome) {
	m.count("SagasCompensated", append(
		dims("Definition", definition),
		types.Dimension{Name: aws.String("Outcome"), Value: aws.String(string(outcome))},
	))
}

// IncRecoveryAction counts a recovery decision by action
func (m *CloudWatchMetrics) IncRecoveryAction(action saga.RecoveryAction) {
	m.count("RecoveryActions", dims("Action", string(action)))
}

// IncConcurrencyConflict counts a lost optimistic-concurrency race
func (m *CloudWatchMetrics) IncConcurrencyConflict() {
	m.count("ConcurrencyConflicts", nil)
}

func (m *CloudWatchMetrics) count(name string, dimensions []types.Dimension) {
	if m.client == nil {
		return
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(name),
				Dimensions: dimensions,
				Value:      aws.Float64(1),
				Unit:       types.StandardUnitCount,
			},
		},
	}

	if _, err := m.client.PutMetricData(context.Background(), input); err != nil {
		m.logger.Debug("Metric emission failed", zap.String("metric", name), zap.Error(err))
	}
}

func dims(name, value string) []types.Dimension {
	return []types.Dimension{
		{Name: aws.String(name), Value: aws.String(value)},
	}
}
