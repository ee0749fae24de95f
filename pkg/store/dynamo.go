package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dubegrid/grid-ingest/pkg/reading"
)

// DynamoAPI is the subset of the DynamoDB client the index uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoIndex is the DynamoDB-backed readings index. Table schema:
// partition key entity_id (S), sort key observed_at (S, encoded with
// reading.SortKeyLayout).
type DynamoIndex struct {
	client DynamoAPI
	table  string
}

// NewDynamoIndex creates an index over an existing DynamoDB client.
func NewDynamoIndex(client DynamoAPI, table string) *DynamoIndex {
	return &DynamoIndex{client: client, table: table}
}

// NewDynamoIndexFromConfig creates an index from an AWS config.
func NewDynamoIndexFromConfig(cfg aws.Config, table string) *DynamoIndex {
	return &DynamoIndex{client: dynamodb.NewFromConfig(cfg), table: table}
}

// item is the stored representation of a reading. observed_at is kept as
// a string so the sort key ordering is explicit rather than dependent on
// marshaler time encoding.
type item struct {
	EntityID       string  `dynamodbav:"entity_id"`
	ObservedAt     string  `dynamodbav:"observed_at"`
	SubstationName string  `dynamodbav:"substation_name,omitempty"`
	AttributeType  string  `dynamodbav:"attribute_type,omitempty"`
	FeederID       string  `dynamodbav:"feeder_id,omitempty"`
	Description    string  `dynamodbav:"description,omitempty"`
	Units          string  `dynamodbav:"units,omitempty"`
	Value          float64 `dynamodbav:"value"`
}

func itemFrom(r reading.Reading) item {
	return item{
		EntityID:       r.EntityID,
		ObservedAt:     r.SortKey(),
		SubstationName: r.SubstationName,
		AttributeType:  r.AttributeType,
		FeederID:       r.FeederID,
		Description:    r.Description,
		Units:          r.Units,
		Value:          r.Value,
	}
}

func (it item) reading() (reading.Reading, error) {
	observedAt, err := time.Parse(time.RFC3339, it.ObservedAt)
	if err != nil {
		return reading.Reading{}, fmt.Errorf("stored observed_at %q: %w", it.ObservedAt, err)
	}
	return reading.Reading{
		EntityID:       it.EntityID,
		SubstationName: it.SubstationName,
		ObservedAt:     observedAt.UTC(),
		AttributeType:  it.AttributeType,
		FeederID:       it.FeederID,
		Description:    it.Description,
		Units:          it.Units,
		Value:          it.Value,
	}, nil
}

// Upsert writes the reading with an unconditional PutItem. No condition
// expression and no read-before-write: duplicate deliveries carry
// identical payloads, so last-write-wins is safe.
func (d *DynamoIndex) Upsert(ctx context.Context, r reading.Reading) error {
	av, err := attributevalue.MarshalMap(itemFrom(r))
	if err != nil {
		return fmt.Errorf("marshal reading %s@%s: %w", r.EntityID, r.SortKey(), err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("put reading %s@%s: %w", r.EntityID, r.SortKey(), err)
	}
	return nil
}

// QueryRange returns the entity's readings within [from, to], ascending.
func (d *DynamoIndex) QueryRange(ctx context.Context, entityID string, from, to time.Time) ([]reading.Reading, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("entity_id = :entity AND observed_at BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":entity": &types.AttributeValueMemberS{Value: entityID},
			":from":   &types.AttributeValueMemberS{Value: sortKey(from)},
			":to":     &types.AttributeValueMemberS{Value: sortKey(to)},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var readings []reading.Reading
	paginator := dynamodb.NewQueryPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s range: %w", entityID, err)
		}

		var items []item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal %s range items: %w", entityID, err)
		}
		for _, it := range items {
			r, err := it.reading()
			if err != nil {
				return nil, fmt.Errorf("decode %s range item: %w", entityID, err)
			}
			readings = append(readings, r)
		}
	}
	return readings, nil
}

// Latest returns the entity's most recent reading.
func (d *DynamoIndex) Latest(ctx context.Context, entityID string) (reading.Reading, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("entity_id = :entity"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":entity": &types.AttributeValueMemberS{Value: entityID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return reading.Reading{}, fmt.Errorf("query %s latest: %w", entityID, err)
	}
	if len(out.Items) == 0 {
		return reading.Reading{}, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Items[0], &it); err != nil {
		return reading.Reading{}, fmt.Errorf("unmarshal %s latest item: %w", entityID, err)
	}
	return it.reading()
}
