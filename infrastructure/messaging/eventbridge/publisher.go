// Package eventbridge publishes saga envelopes to an AWS EventBridge bus.
// Downstream consumers (audit indexers, notification fan-out) dedupe on the
// envelope's content address; delivery is at-least-once.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"provisioner/application/ports"
	"provisioner/domain/saga"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

const eventSource = "provisioner.saga"

// Publisher implements the event-publisher port on EventBridge
type Publisher struct {
	client       *eventbridge.Client
	eventBusName string
	logger       *zap.Logger
}

// NewPublisher creates an EventBridge publisher
func NewPublisher(client *eventbridge.Client, eventBusName string, logger *zap.Logger) ports.EventPublisher {
	return &Publisher{
		client:       client,
		eventBusName: eventBusName,
		logger:       logger,
	}
}

// Publish sends a single envelope
func (p *Publisher) Publish(ctx context.Context, env saga.Envelope) error {
	return p.PublishBatch(ctx, []saga.Envelope{env})
}

// PublishBatch sends envelopes in PutEvents batches of at most 10
func (p *Publisher) PublishBatch(ctx context.Context, envs []saga.Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	const batchSize = 10
	for i := 0; i < len(envs); i += batchSize {
		end := i + batchSize
		if end > len(envs) {
			end = len(envs)
		}
		if err := p.putEvents(ctx, envs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) putEvents(ctx context.Context, envs []saga.Envelope) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(envs))
	for _, env := range envs {
		detail, err := json.Marshal(env)
		if err != nil {
			p.logger.Error("Failed to marshal envelope",
				zap.String("event_id", env.EventID),
				zap.Error(err),
			)
			continue
		}

		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.eventBusName),
			Source:       aws.String(eventSource),
			DetailType:   aws.String(string(env.EventKind)),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(env.Timestamp),
			Resources: []string{
				fmt.Sprintf("arn:aws:provisioner::saga/%s", env.SagaID),
			},
		})
	}
	if len(entries) == 0 {
		return nil
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return fmt.Errorf("put events: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil {
				p.logger.Error("Envelope rejected by EventBridge",
					zap.String("event_id", envs[i].EventID),
					zap.String("error_code", *entry.ErrorCode),
					zap.String("error_message", aws.ToString(entry.ErrorMessage)),
				)
			}
		}
		return fmt.Errorf("%d envelopes failed to publish", result.FailedEntryCount)
	}

	p.logger.Debug("Envelopes published",
		zap.Int("count", len(entries)),
		zap.String("event_bus", p.eventBusName),
	)
	return nil
}
