package push

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	dynamodb.ScanAPIClient
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type dynamoItem struct {
	Endpoint  string            `dynamodbav:"endpoint"`
	Keys      map[string]string `dynamodbav:"keys"`
	CreatedAt time.Time         `dynamodbav:"created_at"`
	UpdatedAt time.Time         `dynamodbav:"updated_at"`
}

// DynamoStore keeps one item per endpoint in a table whose partition key is "endpoint".
type DynamoStore struct {
	db        DynamoAPI
	tableName string
	pageSize  int32
}

func NewDynamoStore(db DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{db: db, tableName: tableName, pageSize: 100}
}

func (s *DynamoStore) Probe(ctx context.Context) error {
	_, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return mapDynamoError(err)
}

func (s *DynamoStore) Upsert(ctx context.Context, sub Subscription) error {
	keys, err := attributevalue.Marshal(sub.Keys)
	if err != nil {
		return err
	}
	created, err := attributevalue.Marshal(sub.CreatedAt)
	if err != nil {
		return err
	}
	updated, err := attributevalue.Marshal(sub.UpdatedAt)
	if err != nil {
		return err
	}

	_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"endpoint": &types.AttributeValueMemberS{Value: sub.Endpoint},
		},
		// KEYS is a reserved word.
		UpdateExpression: aws.String("SET #k = :keys, updated_at = :u, created_at = if_not_exists(created_at, :c)"),
		ExpressionAttributeNames: map[string]string{
			"#k": "keys",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":keys": keys,
			":u":    updated,
			":c":    created,
		},
	})
	return mapDynamoError(err)
}

func (s *DynamoStore) Delete(ctx context.Context, endpoint string) error {
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"endpoint": &types.AttributeValueMemberS{Value: endpoint},
		},
	})
	return mapDynamoError(err)
}

func (s *DynamoStore) Get(ctx context.Context, endpoint string) (Subscription, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"endpoint": &types.AttributeValueMemberS{Value: endpoint},
		},
	})
	if err != nil {
		return Subscription{}, mapDynamoError(err)
	}
	if out.Item == nil {
		return Subscription{}, ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return Subscription{}, err
	}
	return item.subscription(), nil
}

// All scans the table page by page.
func (s *DynamoStore) All(ctx context.Context) iter.Seq2[Subscription, error] {
	return func(yield func(Subscription, error) bool) {
		p := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
			TableName: aws.String(s.tableName),
			Limit:     aws.Int32(s.pageSize),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				yield(Subscription{}, mapDynamoError(err))
				return
			}
			for _, raw := range page.Items {
				var item dynamoItem
				if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
					yield(Subscription{}, err)
					return
				}
				if !yield(item.subscription(), nil) {
					return
				}
			}
		}
	}
}

func (i dynamoItem) subscription() Subscription {
	return Subscription{
		Endpoint:  i.Endpoint,
		Keys:      i.Keys,
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
}

func mapDynamoError(err error) error {
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return fmt.Errorf("%w: %s", ErrSchemaMissing, rnf.ErrorMessage())
	}
	return err
}
