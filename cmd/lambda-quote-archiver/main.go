// Command lambda-quote-archiver stores the quote events published by the quoter in
// DynamoDB. It consumes an SQS queue subscribed to the quote topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cowprotocol/cow-native-liquidity/internal/notification"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/aws"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
)

const (
	defaultTable = "quote-events" // LocalStack default
	defaultTTL   = 7 * 24 * time.Hour
)

// DynamoAPI is the DynamoDB call the archiver needs.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// quoteItem is a stored QuoteEvent. DynamoDB deletes it once TTL has passed.
type quoteItem struct {
	notification.QuoteEvent
	TTL int64 `dynamodbav:"ttl" json:"ttl"`
}

type archiver struct {
	db     DynamoAPI
	table  string
	ttl    time.Duration
	logger *observability.Logger
	now    func() time.Time
}

// Handle writes every record and reports the ones that failed so SQS retries only
// those. Redelivered events are not written twice.
func (a *archiver) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var failures []events.SQSBatchItemFailure
	for _, record := range ev.Records {
		quote, err := notification.DecodeQueueMessage(record.Body)
		if err == nil {
			err = a.put(ctx, quote)
		}
		if err != nil {
			a.logger.LogError(ctx, "failed to archive record", err, "message_id", record.MessageId)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}
		a.logger.LogDebug(ctx, "archived quote", "event_id", quote.EventID, "status", quote.Status, "block", quote.Block)
	}

	a.logger.LogInfo(ctx, "batch processed",
		"records", len(ev.Records),
		"failed", len(failures),
	)
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (a *archiver) put(ctx context.Context, ev notification.QuoteEvent) error {
	item, err := attributevalue.MarshalMap(quoteItem{
		QuoteEvent: ev,
		TTL:        a.now().Add(a.ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = a.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           sdkaws.String(a.table),
		Item:                item,
		ConditionExpression: sdkaws.String("attribute_not_exists(event_id)"),
	})
	var exists *types.ConditionalCheckFailedException
	if errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to put item: %w", err)
	}
	return nil
}

func main() {
	logger := observability.NewLogger(envOr("LOG_LEVEL", "info"), "json").Component("quote-archiver")

	ttl := defaultTTL
	if s := os.Getenv("QUOTE_TTL"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			log.Fatalf("invalid QUOTE_TTL %q: %v", s, err)
		}
		ttl = d
	}

	ctx := context.Background()
	awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{
		Region:   envOr("AWS_REGION", "us-east-1"),
		Endpoint: os.Getenv("AWS_ENDPOINT"),
	})
	if err != nil {
		log.Fatalf("failed to load AWS config: %v", err)
	}

	a := &archiver{
		db:     dynamodb.NewFromConfig(awsCfg),
		table:  envOr("QUOTE_TABLE", defaultTable),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
	logger.LogInfo(ctx, "archiver initialized", "table", a.table, "ttl", ttl.String())
	lambda.Start(a.Handle)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
