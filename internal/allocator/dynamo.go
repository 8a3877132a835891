package allocator

import (
	"context"
	"errors"
	"fmt"
	"objcache/internal/types"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoClient is the subset of the DynamoDB API used by Dynamo.
type DynamoClient interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Dynamo keeps the counters in a DynamoDB table whose partition key is
// "counter" (string). Each allocation is one UpdateItem with an ADD
// expression, which DynamoDB applies atomically.
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name objcache-offsets \
//	  --attribute-definitions AttributeName=counter,AttributeType=S \
//	  --key-schema AttributeName=counter,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type Dynamo struct {
	client DynamoClient
	table  string
	opts   options
}

func NewDynamo(client DynamoClient, table string, opts ...Option) *Dynamo {
	return &Dynamo{client: client, table: table, opts: newOptions(opts)}
}

func (d *Dynamo) counterKey(collection string, day time.Time) string {
	return collection + "#" + dayKey(day)
}

func (d *Dynamo) Allocate(ctx context.Context, collection string, length int64) (types.Range, error) {
	return d.AllocateOn(ctx, collection, d.opts.now(), length)
}

func (d *Dynamo) AllocateOn(ctx context.Context, collection string, day time.Time, length int64) (types.Range, error) {
	if err := validate(collection, length); err != nil {
		return types.Range{}, err
	}

	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key: map[string]dtypes.AttributeValue{
			"counter": &dtypes.AttributeValueMemberS{Value: d.counterKey(collection, day)},
		},
		UpdateExpression: aws.String("ADD #total :len"),
		ExpressionAttributeNames: map[string]string{
			"#total": "total",
		},
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":len": &dtypes.AttributeValueMemberN{Value: strconv.FormatInt(length, 10)},
		},
		ReturnValues: dtypes.ReturnValueUpdatedNew,
	})
	if err != nil {
		var ccf *dtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return types.Range{}, fmt.Errorf("%w: %w", ErrConflict, err)
		}
		if ctx.Err() != nil {
			return types.Range{}, ctx.Err()
		}
		return types.Range{}, unavailable("dynamodb update", err)
	}

	attr, ok := out.Attributes["total"].(*dtypes.AttributeValueMemberN)
	if !ok {
		return types.Range{}, fmt.Errorf("%w: dynamodb returned no total", ErrConflict)
	}

	total, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return types.Range{}, fmt.Errorf("%w: dynamodb total %q: %w", ErrConflict, attr.Value, err)
	}

	return rangeFromTotal(total, length)
}

func (d *Dynamo) Close() error {
	return nil
}
