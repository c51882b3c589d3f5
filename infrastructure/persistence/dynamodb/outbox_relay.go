package dynamodb

import (
	"context"
	"fmt"
	"time"

	"provisioner/application/ports"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"
)

// OutboxRelay drains envelopes the append transaction left in pending state
// and hands them to the message bus. Publishing is at-least-once: a crash
// between Publish and MarkPublished redelivers, and consumers dedupe on the
// envelope's content address.
type OutboxRelay struct {
	store     *EventStore
	publisher ports.EventPublisher
	logger    *zap.Logger

	batchSize  int32
	interval   time.Duration
	maxRetries int

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewOutboxRelay creates a relay with default batch size and interval
func NewOutboxRelay(store *EventStore, publisher ports.EventPublisher, logger *zap.Logger) *OutboxRelay {
	return &OutboxRelay{
		store:       store,
		publisher:   publisher,
		logger:      logger,
		batchSize:   50,
		interval:    5 * time.Second,
		maxRetries:  3,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start begins draining the outbox in the background
func (r *OutboxRelay) Start(ctx context.Context) {
	r.logger.Info("Starting outbox relay",
		zap.Int32("batch_size", r.batchSize),
		zap.Duration("interval", r.interval),
	)
	go r.loop(ctx)
}

// Stop blocks until the relay loop has exited
func (r *OutboxRelay) Stop() {
	close(r.stopChan)
	<-r.stoppedChan
	r.logger.Info("Outbox relay stopped")
}

func (r *OutboxRelay) loop(ctx context.Context) {
	defer close(r.stoppedChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.RelayOnce(ctx); err != nil {
				r.logger.Error("Outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce publishes one batch of pending envelopes
func (r *OutboxRelay) RelayOnce(ctx context.Context) error {
	pending, err := r.store.PendingEnvelopes(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("load pending envelopes: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	published := 0
	for _, record := range pending {
		if err := r.relayRecord(ctx, record); err != nil {
			r.logger.Error("Envelope relay failed",
				zap.String("event_id", record.EventID),
				zap.String("kind", record.EventKind),
				zap.Error(err),
			)
			continue
		}
		published++
	}

	r.logger.Debug("Outbox batch relayed",
		zap.Int("pending", len(pending)),
		zap.Int("published", published),
	)
	return nil
}

func (r *OutboxRelay) relayRecord(ctx context.Context, record *envelopeRecord) error {
	env, err := record.toEnvelope()
	if err != nil {
		return r.markFailed(ctx, record, fmt.Sprintf("decode: %v", err))
	}

	if err := r.publisher.Publish(ctx, env); err != nil {
		return r.markFailed(ctx, record, fmt.Sprintf("publish: %v", err))
	}
	return r.store.MarkPublished(ctx, record.PK, record.SK)
}

func (r *OutboxRelay) markFailed(ctx context.Context, record *envelopeRecord, reason string) error {
	attempts := record.PublishAttempts + 1
	permanent := attempts >= r.maxRetries

	if err := r.store.MarkPublishFailed(ctx, record.PK, record.SK, reason, attempts, permanent); err != nil {
		return err
	}
	if permanent {
		r.logger.Warn("Envelope permanently unpublished",
			zap.String("event_id", record.EventID),
			zap.Int("attempts", attempts),
			zap.String("reason", reason),
		)
	}
	return fmt.Errorf("relay envelope %s: %s", record.EventID, reason)
}

// PendingEnvelopes queries the sparse pending index in insertion order
func (s *EventStore) PendingEnvelopes(ctx context.Context, limit int32) ([]*envelopeRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	keyCond := expression.Key("GSI2PK").Equal(expression.Value(outboxPending))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(outboxIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(true),
		Limit:                     aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("query pending envelopes: %w", err)
	}

	records := make([]*envelopeRecord, 0, len(result.Items))
	for _, item := range result.Items {
		var record envelopeRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			continue // skip malformed records
		}
		records = append(records, &record)
	}
	return records, nil
}

// MarkPublished flips an envelope to published and drops it out of the
// pending index by removing the sparse GSI attributes.
func (s *EventStore) MarkPublished(ctx context.Context, pk, sk string) error {
	update := expression.
		Set(expression.Name("PublishStatus"), expression.Value(string(PublishStatusPublished))).
		Remove(expression.Name("GSI2PK")).
		Remove(expression.Name("GSI2SK"))
	cond := expression.AttributeExists(expression.Name("PK"))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build publish update: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       itemKey(pk, sk),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("mark envelope published: %w", err)
	}
	return nil
}

// MarkPublishFailed records a failed attempt; a permanent failure also
// leaves the pending index so the relay stops retrying it.
func (s *EventStore) MarkPublishFailed(ctx context.Context, pk, sk, reason string, attempts int, permanent bool) error {
	update := expression.
		Set(expression.Name("PublishAttempts"), expression.Value(attempts)).
		Set(expression.Name("LastPublishTry"), expression.Value(time.Now().UTC().Format(time.RFC3339))).
		Set(expression.Name("PublishError"), expression.Value(reason))
	if permanent {
		update = update.
			Set(expression.Name("PublishStatus"), expression.Value(string(PublishStatusFailed))).
			Remove(expression.Name("GSI2PK")).
			Remove(expression.Name("GSI2SK"))
	}
	cond := expression.AttributeExists(expression.Name("PK"))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build failure update: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       itemKey(pk, sk),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("mark envelope failed: %w", err)
	}
	return nil
}
