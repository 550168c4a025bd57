// Package events carries contract lifecycle events over SQS so publishing a
// contract and fanning out its notifications are decoupled. The API enqueues
// a published event; the consumer drives the matcher.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	Region   string
	QueueURL string
}

// ContractPublished is the event payload for a newly published contract.
type ContractPublished struct {
	ContractID      string `json:"contract_id"`
	ContractVersion int    `json:"contract_version"`
	Category        string `json:"category"`
	PublishedAt     int64  `json:"published_at"`
}

// client is the slice of the SQS API the package uses.
type client interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func newClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer publishes contract events.
type Producer struct {
	client   client
	queueURL string
	logger   *zap.Logger
}

func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	c, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized", zap.String("queue_url", cfg.QueueURL))
	return &Producer{client: c, queueURL: cfg.QueueURL, logger: logger}, nil
}

// PublishContract enqueues a published event. Returns the SQS message ID.
func (p *Producer) PublishContract(ctx context.Context, contractID uuid.UUID, version int, category string) (string, error) {
	event := ContractPublished{
		ContractID:      contractID.String(),
		ContractVersion: version,
		Category:        category,
		PublishedAt:     time.Now().UnixNano(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send event to sqs",
			zap.Error(err),
			zap.String("contract_id", contractID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
