package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
)

// FanOut is implemented by the matcher. The consumer only needs the one
// method, so it takes a function.
type FanOut func(ctx context.Context, contractID uuid.UUID) error

// Consumer long-polls the queue and hands published contracts to the
// matcher. Receive errors back off exponentially so a transient SQS outage
// does not spin the loop.
type Consumer struct {
	client   client
	queueURL string
	fanOut   FanOut
	logger   *zap.Logger
}

func NewConsumer(ctx context.Context, cfg Config, fanOut FanOut, logger *zap.Logger) (*Consumer, error) {
	c, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized", zap.String("queue_url", cfg.QueueURL))
	return &Consumer{client: c, queueURL: cfg.QueueURL, fanOut: fanOut, logger: logger}, nil
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			c.logger.Info("event consumer stopping")
			return
		}

		handled, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("event consumer stopping")
				return
			}
			wait := b.NextBackOff()
			c.logger.Error("event receive failed, backing off",
				zap.Error(err),
				zap.Duration("wait", wait),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		if handled {
			b.Reset()
		}
	}
}

// poll receives up to one event and processes it. A fan-out failure leaves
// the message on the queue; SQS redelivers after the visibility timeout.
func (c *Consumer) poll(ctx context.Context) (bool, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return false, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return false, nil
	}

	msg := result.Messages[0]
	receipt := aws.ToString(msg.ReceiptHandle)

	var event ContractPublished
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &event); err != nil {
		c.logger.Error("dropping malformed event", zap.Error(err))
		return true, c.delete(ctx, receipt)
	}

	contractID, err := uuid.Parse(event.ContractID)
	if err != nil {
		c.logger.Error("dropping event with invalid contract id",
			zap.String("contract_id", event.ContractID),
		)
		return true, c.delete(ctx, receipt)
	}

	if err := c.fanOut(ctx, contractID); err != nil {
		// Redelivery only helps transient failures. A contract that does not
		// resolve or cannot fan out will not start resolving later.
		if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrIncompleteContract) {
			c.logger.Error("dropping event with permanent fan-out failure",
				zap.String("contract_id", event.ContractID),
				zap.Error(err),
			)
			return true, c.delete(ctx, receipt)
		}
		c.logger.Error("fan-out failed, leaving event for redelivery",
			zap.String("contract_id", event.ContractID),
			zap.Error(err),
		)
		return true, nil
	}

	c.logger.Info("contract event processed",
		zap.String("contract_id", event.ContractID),
		zap.Int("contract_version", event.ContractVersion),
	)
	return true, c.delete(ctx, receipt)
}

func (c *Consumer) delete(ctx context.Context, receipt string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
