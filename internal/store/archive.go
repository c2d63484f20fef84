package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/relaygate/gateway/internal/models"
)

const archiveTimeout = 5 * time.Second

// archiveRecord is the DynamoDB item shape for one archived CallLog. Postgres
// remains the system of record (call_logs carries the FKs and cascades a
// relational store needs); DynamoDB here is a best-effort, non-blocking
// fan-out of the same rows for cheap long-retention scanning.
type archiveRecord struct {
	CallLogID   int64  `dynamodbav:"call_log_id"`
	ProviderID  int64  `dynamodbav:"provider_id"`
	APIKeyID    int64  `dynamodbav:"api_key_id"`
	Timestamp   string `dynamodbav:"timestamp"`
	IsSuccess   bool   `dynamodbav:"is_success"`
	StatusCode  int    `dynamodbav:"status_code"`
	TotalTokens int    `dynamodbav:"total_tokens"`
	Cost        float64 `dynamodbav:"cost"`
}

// Archiver writes a fire-and-forget copy of a CallLog to DynamoDB.
type Archiver interface {
	Archive(ctx context.Context, log models.CallLog)
}

// DynamoDBArchiver implements Archiver, adapted from the teacher's
// DynamoDBTenantStore connection setup but repurposed from a tenant lookup
// table into a write-only CallLog archive.
type DynamoDBArchiver struct {
	client    *dynamodb.Client
	tableName string
	logger    *slog.Logger
}

func NewDynamoDBArchiver(ctx context.Context, region, tableName string, logger *slog.Logger) (*DynamoDBArchiver, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("archiver: load aws config: %w", err)
	}
	return &DynamoDBArchiver{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
		logger:    logger,
	}, nil
}

// Archive fires the PutItem in its own goroutine; archival failures are
// logged but never surface to the request path, since Postgres already
// holds the durable record.
func (a *DynamoDBArchiver) Archive(ctx context.Context, log models.CallLog) {
	go func() {
		rec := archiveRecord{
			CallLogID:  log.ID,
			Timestamp:  log.RequestTimestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			IsSuccess:  log.IsSuccess,
			StatusCode: log.StatusCode,
		}
		if log.ProviderID != nil {
			rec.ProviderID = *log.ProviderID
		}
		if log.APIKeyID != nil {
			rec.APIKeyID = *log.APIKeyID
		}
		if log.TotalTokens != nil {
			rec.TotalTokens = *log.TotalTokens
		}
		if log.Cost != nil {
			rec.Cost = *log.Cost
		}

		item, err := attributevalue.MarshalMap(rec)
		if err != nil {
			a.logger.Error("archive marshal failed", "call_log_id", log.ID, "error", err)
			return
		}

		putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		if _, err := a.client.PutItem(putCtx, &dynamodb.PutItemInput{
			TableName: aws.String(a.tableName),
			Item:      item,
		}); err != nil {
			a.logger.Error("archive put failed", "call_log_id", log.ID, "error", err)
		}
	}()
}

// NoopArchiver is used when archival is disabled.
type NoopArchiver struct{}

func (NoopArchiver) Archive(context.Context, models.CallLog) {}
