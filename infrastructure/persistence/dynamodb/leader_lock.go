package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLeaseHeld is returned when another worker currently holds the lease.
var ErrLeaseHeld = errors.New("lease held by another worker")

// LeaderLock elects a single worker for background jobs like the recovery
// sweep and the outbox relay. It is a lease on a conditional-write item:
// whoever writes the item first owns the role until the lease expires or
// is released. Expired leases are stealable, so a crashed worker never
// wedges the role for longer than one lease duration.
type LeaderLock struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

type leaseRecord struct {
	PK        string `dynamodbav:"PK"` // ROLE#<role>
	SK        string `dynamodbav:"SK"` // LEASE
	LeaseID   string `dynamodbav:"LeaseID"`
	HolderID  string `dynamodbav:"HolderID"`
	ExpiresAt int64  `dynamodbav:"ExpiresAt"` // Unix seconds, doubles as the table TTL attribute
}

const leaseSortKey = "LEASE"

func rolePK(role string) string { return "ROLE#" + role }

// NewLeaderLock creates a leader lock backed by the given table
func NewLeaderLock(client *dynamodb.Client, tableName string, logger *zap.Logger) *LeaderLock {
	return &LeaderLock{client: client, tableName: tableName, logger: logger}
}

// Lease is a held leadership lease. Renew before ExpiresAt or another
// worker may take over.
type Lease struct {
	lock     *LeaderLock
	role     string
	leaseID  string
	holderID string
	duration time.Duration
}

// Acquire takes leadership of a role for leaseDuration. Returns
// ErrLeaseHeld when another worker holds an unexpired lease.
func (l *LeaderLock) Acquire(ctx context.Context, role, holderID string, leaseDuration time.Duration) (*Lease, error) {
	now := time.Now()
	record := leaseRecord{
		PK:        rolePK(role),
		SK:        leaseSortKey,
		LeaseID:   uuid.New().String(),
		HolderID:  holderID,
		ExpiresAt: now.Add(leaseDuration).Unix(),
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return nil, fmt.Errorf("marshal lease: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR ExpiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return nil, ErrLeaseHeld
		}
		return nil, fmt.Errorf("acquire lease: %w", err)
	}

	l.logger.Info("Leadership acquired",
		zap.String("role", role),
		zap.String("holder", holderID),
		zap.Duration("lease", leaseDuration),
	)
	return &Lease{
		lock:     l,
		role:     role,
		leaseID:  record.LeaseID,
		holderID: holderID,
		duration: leaseDuration,
	}, nil
}

// Renew extends the lease. It fails with ErrLeaseHeld when the lease was
// lost in the meantime, in which case the caller must stop doing leader
// work immediately.
func (le *Lease) Renew(ctx context.Context) error {
	expiresAt := time.Now().Add(le.duration).Unix()

	_, err := le.lock.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(le.lock.tableName),
		Key:                 itemKey(rolePK(le.role), leaseSortKey),
		UpdateExpression:    aws.String("SET ExpiresAt = :expires"),
		ConditionExpression: aws.String("LeaseID = :lease"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt)},
			":lease":   &types.AttributeValueMemberS{Value: le.leaseID},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrLeaseHeld
		}
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}

// Release gives up leadership. A lease that was already lost releases
// cleanly; only the exact lease id is ever deleted.
func (le *Lease) Release(ctx context.Context) error {
	_, err := le.lock.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(le.lock.tableName),
		Key:                 itemKey(rolePK(le.role), leaseSortKey),
		ConditionExpression: aws.String("LeaseID = :lease"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lease": &types.AttributeValueMemberS{Value: le.leaseID},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return nil
		}
		return fmt.Errorf("release lease: %w", err)
	}

	le.lock.logger.Info("Leadership released",
		zap.String("role", le.role),
		zap.String("holder", le.holderID),
	)
	return nil
}
