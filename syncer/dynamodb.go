package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBPrimary implements PrimaryStore on a DynamoDB table. The change
// feed is a GSI keyed by a write sequence allocated from a counter item; the
// continuation token tracks which sequences were delivered (see feedToken).
type DynamoDBPrimary struct {
	client    DynamoDBClient
	tableName string
}

// NewDynamoDBPrimary creates a DynamoDB-backed primary store
func NewDynamoDBPrimary(client DynamoDBClient, tableName string) *DynamoDBPrimary {
	return &DynamoDBPrimary{
		client:    client,
		tableName: tableName,
	}
}

var _ PrimaryStore = (*DynamoDBPrimary)(nil)

// FetchChanges returns memos whose sequence was not delivered under token.
// A write that becomes visible in the index after later writes were already
// returned is still delivered on a following call.
func (p *DynamoDBPrimary) FetchChanges(ctx context.Context, token string) ([]Memo, string, error) {
	feed, err := parseFeedToken(token)
	if err != nil {
		return nil, token, err
	}

	var memos []Memo
	var lastEvaluatedKey map[string]types.AttributeValue

	keyCondition := "GSI1PK = :pk"
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: changeFeedPK()},
	}
	if token != "" {
		keyCondition += " AND GSI1SK >= :from"
		values[":from"] = &types.AttributeValueMemberS{Value: feedSeq(feed.watermark + 1)}
	}

	// Paginate through all results
	for {
		queryInput := &dynamodb.QueryInput{
			TableName:                 aws.String(p.tableName),
			IndexName:                 aws.String(IndexChangeFeed),
			KeyConditionExpression:    aws.String(keyCondition),
			ExpressionAttributeValues: values,
			ScanIndexForward:          aws.Bool(true),
		}

		if lastEvaluatedKey != nil {
			queryInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := p.client.Query(ctx, queryInput)
		if err != nil {
			return nil, token, fmt.Errorf("failed to query memo changes: %w", err)
		}

		for _, item := range result.Items {
			sk, ok := item[AttrGSI1SK].(*types.AttributeValueMemberS)
			if !ok {
				return nil, token, fmt.Errorf("memo change without %s", AttrGSI1SK)
			}
			seq, err := parseChangeFeedSK(sk.Value)
			if err != nil {
				return nil, token, err
			}
			if !feed.deliver(seq) {
				continue
			}

			var memo Memo
			if err := attributevalue.UnmarshalMap(item, &memo); err != nil {
				return nil, token, fmt.Errorf("failed to unmarshal memo: %w", err)
			}
			memos = append(memos, memo)
		}

		// Check if there are more results
		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	if token == "" && len(memos) == 0 {
		return nil, "", nil
	}
	feed.compact()
	return memos, feed.String(), nil
}

// nextSequence atomically allocates the next write sequence
func (p *DynamoDBPrimary) nextSequence(ctx context.Context) (int64, error) {
	result, err := p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(p.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: counterPK()},
			AttrSK: &types.AttributeValueMemberS{Value: counterSK()},
		},
		UpdateExpression:         aws.String("ADD #seq :one"),
		ExpressionAttributeNames: map[string]string{"#seq": AttrSequence},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate write sequence: %w", err)
	}

	n, ok := result.Attributes[AttrSequence].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("write sequence missing from counter update")
	}
	seq, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid write sequence %q: %w", n.Value, err)
	}
	return seq, nil
}

func (p *DynamoDBPrimary) Get(ctx context.Context, id string) (*Memo, error) {
	result, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: memoPK(id)},
			AttrSK: &types.AttributeValueMemberS{Value: memoSK()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get memo: %w", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("memo %s: %w", id, ErrMemoNotFound)
	}

	var memo Memo
	if err := attributevalue.UnmarshalMap(result.Item, &memo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memo: %w", err)
	}

	return &memo, nil
}

func (p *DynamoDBPrimary) Put(ctx context.Context, memo Memo) error {
	if memo.ID == "" {
		return errors.New("memo id is required")
	}

	// Marshal the memo
	item, err := attributevalue.MarshalMap(memo)
	if err != nil {
		return fmt.Errorf("failed to marshal memo: %w", err)
	}

	seq, err := p.nextSequence(ctx)
	if err != nil {
		return err
	}

	// Add keys
	item[AttrPK] = &types.AttributeValueMemberS{Value: memoPK(memo.ID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: memoSK()}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeMemo}
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: changeFeedPK()}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: changeFeedSK(seq, memo.ID)}

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put memo: %w", err)
	}

	return nil
}
