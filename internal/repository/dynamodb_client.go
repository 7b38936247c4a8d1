package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"patient-sim/internal/domain"
)

const (
	pkPrefixTrainee = "TRAINEE#"
	pkPrefixSession = "SESSION#"
	skProfile       = "PROFILE"
	skMeta          = "META"
	skResult        = "RESULT"
	skPrefixMsg     = "MSG#"
)

// ErrResultExists is returned when a second result is written for the
// same session.
var ErrResultExists = errors.New("repository: result already recorded for session")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding trainees, sessions, messages,
// and results in a single-table layout. Writes are never retried here:
// storage failures are structural, not transient, and must reach the
// caller unmodified.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func traineePK(key string) string {
	return pkPrefixTrainee + key
}

func sessionPK(id string) string {
	return pkPrefixSession + id
}

// msgSK builds the message sort key. The seq component orders the user
// turn before the assistant reply recorded in the same transaction.
func msgSK(ts time.Time, seq int) string {
	return fmt.Sprintf("%s%s#%02d", skPrefixMsg, ts.UTC().Format(time.RFC3339Nano), seq)
}

// CreateTrainee writes the trainee profile unless one already exists
// for the same key. An existing profile is a normal outcome, reported
// through the boolean, never through the error.
func (c *Client) CreateTrainee(ctx context.Context, t domain.Trainee) (bool, error) {
	if strings.TrimSpace(t.Key) == "" {
		return false, errors.New("repository: CreateTrainee: trainee key is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                traineeItem(t),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return true, nil
		}
		return false, fmt.Errorf("repository: CreateTrainee: %w", err)
	}
	return false, nil
}

// CreateSession persists the session row. Sessions are never mutated
// after creation.
func (c *Client) CreateSession(ctx context.Context, s domain.Session) error {
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.TraineeKey) == "" {
		return errors.New("repository: CreateSession: session ID and trainee key are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                sessionItem(s),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	return nil
}

// SaveExchange records the user turn and the assistant reply in one
// transaction so a completed exchange is either fully durable or not
// recorded at all.
func (c *Client) SaveExchange(ctx context.Context, user, assistant domain.Message) error {
	for _, m := range []domain.Message{user, assistant} {
		if strings.TrimSpace(m.SessionID) == "" || strings.TrimSpace(m.TraineeKey) == "" {
			return errors.New("repository: SaveExchange: session ID and trainee key are required on both messages")
		}
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(user),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(assistant),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveExchange: %w", err)
	}
	return nil
}

// SaveResult records the critique. The conditional put keeps the
// at-most-one-result-per-session invariant even if callers misbehave.
func (c *Client) SaveResult(ctx context.Context, r domain.Result) error {
	if strings.TrimSpace(r.SessionID) == "" || strings.TrimSpace(r.TraineeKey) == "" {
		return errors.New("repository: SaveResult: session ID and trainee key are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                resultItem(r),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrResultExists
		}
		return fmt.Errorf("repository: SaveResult: %w", err)
	}
	return nil
}

// GetTranscript reads all messages of a session in creation order. The
// sort key encodes the timestamp, so the query order is the append
// order.
func (c *Client) GetTranscript(ctx context.Context, sessionID string) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetTranscript query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetTranscript unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func traineeItem(t domain.Trainee) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: traineePK(t.Key)},
		"SK":        &types.AttributeValueMemberS{Value: skProfile},
		"key":       &types.AttributeValueMemberS{Value: t.Key},
		"name":      &types.AttributeValueMemberS{Value: t.Name},
		"createdAt": &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func sessionItem(s domain.Session) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(s.ID)},
		"SK":         &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":  &types.AttributeValueMemberS{Value: s.ID},
		"name":       &types.AttributeValueMemberS{Value: s.Name},
		"traineeKey": &types.AttributeValueMemberS{Value: s.TraineeKey},
		"createdAt":  &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func messageItem(m domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(m.SessionID)},
		"SK":         &types.AttributeValueMemberS{Value: msgSK(m.CreatedAt, m.Seq)},
		"sessionId":  &types.AttributeValueMemberS{Value: m.SessionID},
		"traineeKey": &types.AttributeValueMemberS{Value: m.TraineeKey},
		"role":       &types.AttributeValueMemberS{Value: m.Role},
		"content":    &types.AttributeValueMemberS{Value: m.Content},
		"sender":     &types.AttributeValueMemberS{Value: m.Sender},
		"recipient":  &types.AttributeValueMemberS{Value: m.Recipient},
		"createdAt":  &types.AttributeValueMemberS{Value: m.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"seq":        &types.AttributeValueMemberN{Value: strconv.Itoa(m.Seq)},
	}
}

func resultItem(r domain.Result) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(r.SessionID)},
		"SK":         &types.AttributeValueMemberS{Value: skResult},
		"sessionId":  &types.AttributeValueMemberS{Value: r.SessionID},
		"traineeKey": &types.AttributeValueMemberS{Value: r.TraineeKey},
		"text":       &types.AttributeValueMemberS{Value: r.Text},
		"createdAt":  &types.AttributeValueMemberS{Value: r.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

// itemToMessage converts a DynamoDB attribute map back to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Message{}, err
	}
	traineeKey, err := strAttr(item, "traineeKey")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	sender, _ := strAttr(item, "sender")       // allow empty
	recipient, _ := strAttr(item, "recipient") // allow empty

	createdAtRaw, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtRaw)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.Message{}, err
	}

	return domain.Message{
		SessionID:  sessionID,
		TraineeKey: traineeKey,
		Role:       role,
		Content:    content,
		Sender:     sender,
		Recipient:  recipient,
		CreatedAt:  createdAt,
		Seq:        seq,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
