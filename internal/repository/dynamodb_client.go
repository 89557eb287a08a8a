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

	"avatar-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL

	// One Put plus at most this many Deletes fit in a single transaction.
	maxEvictionsPerTurn = 99
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps conversation history in a DynamoDB table, one item per
// exchange under the user's partition.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	maxMemory int
	now       func() time.Time
}

// NewDynamoStore creates a store that remembers maxMemory exchanges per user.
func NewDynamoStore(api dynamodbAPI, tableName string, maxMemory int) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if maxMemory <= 0 {
		return nil, errors.New("repository: max memory must be positive")
	}
	return &DynamoStore{api: api, tableName: tableName, maxMemory: maxMemory, now: time.Now}, nil
}

// userPK returns the DynamoDB partition key for a user.
func userPK(userID string) string {
	return "USER#" + userID
}

// skTimeLayout is fixed width so sort keys order the same as their times.
// time.RFC3339Nano drops trailing zeros and breaks that.
const skTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// msgSK returns the sort key for an exchange stored at ts.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(skTimeLayout)
}

func (s *DynamoStore) ttlValue() int64 {
	return s.now().Add(ttlDuration).Unix()
}

// History returns the user's most recent exchanges as entries, oldest first.
func (s *DynamoStore) History(ctx context.Context, userID string) ([]domain.ConversationEntry, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
		Limit:            aws.Int32(int32(s.maxMemory)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: History query: %w", err)
	}

	exchanges := make([]domain.Exchange, 0, len(out.Items))
	for _, item := range out.Items {
		ex, err := itemToExchange(item)
		if err != nil {
			return nil, fmt.Errorf("repository: History unmarshal: %w", err)
		}
		exchanges = append(exchanges, ex)
	}

	entries := make([]domain.ConversationEntry, 0, 2*len(exchanges))
	// Walk backwards to restore chronological order.
	for i := len(exchanges) - 1; i >= 0; i-- {
		entries = append(entries, exchanges[i].Entries()...)
	}
	return entries, nil
}

// AppendTurn writes the new exchange and deletes the ones that fall out of
// the window in a single transaction.
func (s *DynamoStore) AppendTurn(ctx context.Context, userID, userText, reply string) error {
	keys, err := s.exchangeKeys(ctx, userID)
	if err != nil {
		return err
	}

	ex := s.newExchange(userID, userText, reply)
	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                exchangeItem(ex),
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		},
	}}

	// keys are newest first; the new exchange takes one slot of the window.
	if keep := s.maxMemory - 1; len(keys) > keep {
		overflow := keys[keep:]
		if len(overflow) > maxEvictionsPerTurn {
			overflow = overflow[len(overflow)-maxEvictionsPerTurn:]
		}
		for _, sk := range overflow {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: ex.PK},
						"SK": &types.AttributeValueMemberS{Value: sk},
					},
				},
			})
		}
	}

	if _, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// exchangeKeys lists the sort keys of every stored exchange, newest first.
func (s *DynamoStore) exchangeKeys(ctx context.Context, userID string) ([]string, error) {
	var (
		keys  []string
		start map[string]types.AttributeValue
	)
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			},
			ProjectionExpression: aws.String("SK"),
			ScanIndexForward:     aws.Bool(false),
			ConsistentRead:       aws.Bool(true),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: AppendTurn list exchanges: %w", err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return nil, fmt.Errorf("repository: AppendTurn list exchanges: %w", err)
			}
			keys = append(keys, sk)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) newExchange(userID, text, answer string) domain.Exchange {
	now := s.now().UTC()
	return domain.Exchange{
		PK:        userPK(userID),
		SK:        msgSK(now),
		UserID:    userID,
		Text:      text,
		Answer:    answer,
		CreatedAt: now.Format(time.RFC3339),
		TTL:       s.ttlValue(),
	}
}

// itemToExchange reads the stored exchange text. Key and TTL attributes are
// only needed by DynamoDB itself.
func itemToExchange(item map[string]types.AttributeValue) (domain.Exchange, error) {
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Exchange{}, err
	}
	answer, err := strAttr(item, "answer")
	if err != nil {
		return domain.Exchange{}, err
	}
	return domain.Exchange{Text: text, Answer: answer}, nil
}

func exchangeItem(ex domain.Exchange) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: ex.PK},
		"SK":        &types.AttributeValueMemberS{Value: ex.SK},
		"userId":    &types.AttributeValueMemberS{Value: ex.UserID},
		"text":      &types.AttributeValueMemberS{Value: ex.Text},
		"answer":    &types.AttributeValueMemberS{Value: ex.Answer},
		"createdAt": &types.AttributeValueMemberS{Value: ex.CreatedAt},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ex.TTL, 10)},
	}
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
