// Package dynamodb persists saga event streams in a single DynamoDB table.
//
// Layout:
//
//	PK=SAGA#<id>   SK=V#<version>   one immutable event envelope
//	PK=SAGA#<id>   SK=HEAD          stream head (version, open flag, scope)
//	PK=SCOPE#<key> SK=LOCK          idempotency-scope lock while the stream is open
//
// A sparse GSI1 (GSI1PK=OPEN) lists open streams for recovery scans, and a
// sparse GSI2 (GSI2PK=OUTBOX#pending) lists envelopes the outbox relay has
// not published yet.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"provisioner/domain/saga"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PublishStatus tracks an envelope's progress through the outbox relay
type PublishStatus string

const (
	PublishStatusPending   PublishStatus = "pending"
	PublishStatusPublished PublishStatus = "published"
	PublishStatusFailed    PublishStatus = "failed"
)

const (
	headSortKey   = "HEAD"
	scopeSortKey  = "LOCK"
	openIndexName = "GSI1"
	openIndexKey  = "OPEN"
	outboxIndex   = "GSI2"
	outboxPending = "OUTBOX#pending"
)

// envelopeRecord is the stored form of one saga.Envelope
type envelopeRecord struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	EventID        string `dynamodbav:"EventID"`
	SagaID         string `dynamodbav:"SagaID"`
	Version        uint64 `dynamodbav:"Version"`
	EventKind      string `dynamodbav:"EventKind"`
	CorrelationID  string `dynamodbav:"CorrelationID"`
	CausationID    string `dynamodbav:"CausationID,omitempty"`
	Timestamp      string `dynamodbav:"Timestamp"`
	ContentAddress string `dynamodbav:"ContentAddress"`
	Payload        string `dynamodbav:"Payload"`

	// Outbox relay fields. GSI2PK is sparse: it is removed once published,
	// which drops the item out of the pending index.
	PublishStatus   string `dynamodbav:"PublishStatus"`
	PublishAttempts int    `dynamodbav:"PublishAttempts"`
	LastPublishTry  string `dynamodbav:"LastPublishTry,omitempty"`
	PublishError    string `dynamodbav:"PublishError,omitempty"`
	GSI2PK          string `dynamodbav:"GSI2PK,omitempty"`
	GSI2SK          string `dynamodbav:"GSI2SK,omitempty"`
}

// headRecord is the stream's mutable head, the optimistic-concurrency anchor
type headRecord struct {
	PK       string `dynamodbav:"PK"`
	SK       string `dynamodbav:"SK"`
	SagaID   string `dynamodbav:"SagaID"`
	Version  uint64 `dynamodbav:"Version"`
	Open     bool   `dynamodbav:"Open"`
	ScopeKey string `dynamodbav:"ScopeKey,omitempty"`
	GSI1PK   string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK   string `dynamodbav:"GSI1SK,omitempty"`
}

type scopeRecord struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	SagaID string `dynamodbav:"SagaID"`
}

// EventStore implements the event-store port on DynamoDB
type EventStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewEventStore creates a DynamoDB-backed event store
func NewEventStore(client *dynamodb.Client, tableName string) *EventStore {
	return &EventStore{client: client, tableName: tableName}
}

func sagaPK(id saga.SagaID) string    { return "SAGA#" + id.String() }
func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}
func scopePK(key string) string       { return "SCOPE#" + key }
func versionSK(version uint64) string { return fmt.Sprintf("V#%020d", version) }
func isVersionSK(sk string) bool      { return strings.HasPrefix(sk, "V#") }

// Append writes one envelope at expectedVersion+1 in a single transaction:
// the event item must not exist, the head must still be at expectedVersion
// and open, and a Started event must additionally claim its scope lock.
func (s *EventStore) Append(ctx context.Context, id saga.SagaID, expectedVersion uint64, env saga.Envelope) (uint64, error) {
	if env.Version != expectedVersion+1 {
		return 0, fmt.Errorf("envelope version %d does not follow expected version %d", env.Version, expectedVersion)
	}

	event, err := env.Event()
	if err != nil {
		return 0, fmt.Errorf("decode event for append: %w", err)
	}

	eventItem, err := attributevalue.MarshalMap(s.toRecord(env))
	if err != nil {
		return 0, fmt.Errorf("marshal envelope record: %w", err)
	}

	started, isStart := event.(saga.Started)
	stillOpen := !env.IsTerminal()

	items := make([]types.TransactWriteItem, 0, 4)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                eventItem,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	})

	var headItem types.TransactWriteItem
	if isStart {
		headItem, err = s.headCreate(id, started.ScopeKey)
	} else {
		headItem = s.headAdvance(id, expectedVersion, env.Version, stillOpen)
	}
	if err != nil {
		return 0, err
	}
	items = append(items, headItem)

	switch {
	case isStart:
		scopeItem, err := attributevalue.MarshalMap(scopeRecord{
			PK:     scopePK(started.ScopeKey),
			SK:     scopeSortKey,
			SagaID: id.String(),
		})
		if err != nil {
			return 0, fmt.Errorf("marshal scope record: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                scopeItem,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		})

	case env.IsTerminal():
		// Closing the stream releases the scope for future sagas.
		if scopeKey, err := s.headScopeKey(ctx, id); err == nil && scopeKey != "" {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: scopePK(scopeKey)},
						"SK": &types.AttributeValueMemberS{Value: scopeSortKey},
					},
				},
			})
		}
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return 0, s.classifyAppendError(ctx, err, id, expectedVersion, isStart)
	}
	return env.Version, nil
}

// headCreate writes the initial head at version 1 for a fresh stream
func (s *EventStore) headCreate(id saga.SagaID, scopeKey string) (types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(headRecord{
		PK:       sagaPK(id),
		SK:       headSortKey,
		SagaID:   id.String(),
		Version:  1,
		Open:     true,
		ScopeKey: scopeKey,
		GSI1PK:   openIndexKey,
		GSI1SK:   sagaPK(id),
	})
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal head record: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	}, nil
}

// headAdvance bumps the head version under the optimistic-concurrency
// condition. Closing appends drop the head out of the open-streams index.
func (s *EventStore) headAdvance(id saga.SagaID, expectedVersion, newVersion uint64, stillOpen bool) types.TransactWriteItem {
	update := "SET #version = :new"
	if !stillOpen {
		update += ", #open = :false REMOVE GSI1PK, GSI1SK"
	}

	values := map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
		":new":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", newVersion)},
		":true":     &types.AttributeValueMemberBOOL{Value: true},
	}
	if !stillOpen {
		values[":false"] = &types.AttributeValueMemberBOOL{Value: false}
	}

	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           aws.String(s.tableName),
			Key:                 itemKey(sagaPK(id), headSortKey),
			UpdateExpression:    aws.String(update),
			ConditionExpression: aws.String("#version = :expected AND #open = :true"),
			ExpressionAttributeNames: map[string]string{
				"#version": "Version",
				"#open":    "Open",
			},
			ExpressionAttributeValues: values,
		},
	}
}

// classifyAppendError maps a cancelled transaction onto the domain errors the
// engine can act on. A lost version race on an already-closed stream reports
// ErrStreamClosed rather than a conflict.
func (s *EventStore) classifyAppendError(ctx context.Context, err error, id saga.SagaID, expectedVersion uint64, isStart bool) error {
	var cancelled *types.TransactionCanceledException
	if !errors.As(err, &cancelled) {
		return fmt.Errorf("append transaction: %w", err)
	}

	conditionFailed := false
	for i, reason := range cancelled.CancellationReasons {
		if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" {
			continue
		}
		conditionFailed = true
		if isStart && i == 2 {
			return fmt.Errorf("saga %s: %w", id, saga.ErrDuplicateSaga)
		}
	}
	if !conditionFailed {
		return fmt.Errorf("append transaction cancelled: %w", err)
	}

	if head, headErr := s.readHead(ctx, id); headErr == nil && head != nil && !head.Open {
		return fmt.Errorf("saga %s closed at version %d: %w", id, head.Version, saga.ErrStreamClosed)
	}
	return fmt.Errorf("saga %s at expected version %d: %w", id, expectedVersion, saga.ErrConcurrencyConflict)
}

// Read returns the stream's envelopes from fromVersion (1-based) on
func (s *EventStore) Read(ctx context.Context, id saga.SagaID, fromVersion uint64) ([]saga.Envelope, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK >= :from"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: sagaPK(id)},
			":from": &types.AttributeValueMemberS{Value: versionSK(fromVersion)},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var envelopes []saga.Envelope
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query stream %s: %w", id, err)
		}
		for _, item := range result.Items {
			var record envelopeRecord
			if err := attributevalue.UnmarshalMap(item, &record); err != nil {
				return nil, fmt.Errorf("unmarshal envelope record: %w", err)
			}
			if !isVersionSK(record.SK) {
				continue
			}
			env, err := record.toEnvelope()
			if err != nil {
				return nil, err
			}
			envelopes = append(envelopes, env)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	if len(envelopes) == 0 && fromVersion == 1 {
		if head, err := s.readHead(ctx, id); err != nil {
			return nil, err
		} else if head == nil {
			return nil, fmt.Errorf("saga %s: %w", id, saga.ErrStreamNotFound)
		}
	}
	return envelopes, nil
}

// OpenStreams lists sagas whose streams have not reached a terminal event
func (s *EventStore) OpenStreams(ctx context.Context) ([]saga.SagaID, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(openIndexName),
		KeyConditionExpression: aws.String("GSI1PK = :open"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":open": &types.AttributeValueMemberS{Value: openIndexKey},
		},
	}

	var ids []saga.SagaID
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query open streams: %w", err)
		}
		for _, item := range result.Items {
			var head headRecord
			if err := attributevalue.UnmarshalMap(item, &head); err != nil {
				return nil, fmt.Errorf("unmarshal head record: %w", err)
			}
			ids = append(ids, saga.SagaID(head.SagaID))
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return ids, nil
}

// OpenByScope returns the open saga currently holding an idempotency scope
func (s *EventStore) OpenByScope(ctx context.Context, scopeKey string) (saga.SagaID, bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: scopePK(scopeKey)},
			"SK": &types.AttributeValueMemberS{Value: scopeSortKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("get scope lock: %w", err)
	}
	if result.Item == nil {
		return "", false, nil
	}

	var record scopeRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return "", false, fmt.Errorf("unmarshal scope record: %w", err)
	}
	return saga.SagaID(record.SagaID), true, nil
}

func (s *EventStore) readHead(ctx context.Context, id saga.SagaID) (*headRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sagaPK(id)},
			"SK": &types.AttributeValueMemberS{Value: headSortKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get stream head: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var head headRecord
	if err := attributevalue.UnmarshalMap(result.Item, &head); err != nil {
		return nil, fmt.Errorf("unmarshal head record: %w", err)
	}
	return &head, nil
}

func (s *EventStore) headScopeKey(ctx context.Context, id saga.SagaID) (string, error) {
	head, err := s.readHead(ctx, id)
	if err != nil || head == nil {
		return "", err
	}
	return head.ScopeKey, nil
}

func (s *EventStore) toRecord(env saga.Envelope) envelopeRecord {
	return envelopeRecord{
		PK:             sagaPK(env.SagaID),
		SK:             versionSK(env.Version),
		EventID:        env.EventID,
		SagaID:         env.SagaID.String(),
		Version:        env.Version,
		EventKind:      string(env.EventKind),
		CorrelationID:  env.CorrelationID.String(),
		CausationID:    env.CausationID.String(),
		Timestamp:      env.Timestamp.UTC().Format(time.RFC3339Nano),
		ContentAddress: env.ContentAddress,
		Payload:        string(env.Payload),

		PublishStatus: string(PublishStatusPending),
		GSI2PK:        outboxPending,
		GSI2SK:        fmt.Sprintf("%s#%s", env.Timestamp.UTC().Format(time.RFC3339Nano), env.EventID),
	}
}

func (r envelopeRecord) toEnvelope() (saga.Envelope, error) {
	timestamp, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return saga.Envelope{}, fmt.Errorf("parse envelope timestamp: %w", err)
	}
	return saga.Envelope{
		EventID:        r.EventID,
		SagaID:         saga.SagaID(r.SagaID),
		Version:        r.Version,
		EventKind:      saga.EventKind(r.EventKind),
		CorrelationID:  saga.CorrelationID(r.CorrelationID),
		CausationID:    saga.CausationID(r.CausationID),
		Timestamp:      timestamp,
		ContentAddress: r.ContentAddress,
		Payload:        []byte(r.Payload),
	}, nil
}
