package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

// Consumer reads notification actions the push worker reports back.
type Consumer struct {
	client   API
	queueURL string
	handler  notify.ActionHandler
	logger   *zap.Logger
}

// NewConsumer creates an action consumer for queueURL.
func NewConsumer(client API, queueURL string, handler notify.ActionHandler, logger *zap.Logger) *Consumer {
	logger.Info("sqs action consumer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: queueURL,
		handler:  handler,
		logger:   logger,
	}
}

// Run long-polls the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := c.Poll(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if n > 0 {
			c.logger.Debug("processed notification actions", zap.Int("count", n))
		}
	}
}

// Poll receives one batch and handles each action. Messages are deleted once
// handled or when they cannot be decoded; handler failures stay on the queue
// for redelivery.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	handled := 0
	for _, msg := range result.Messages {
		var ev notify.ActionEvent
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &ev); err != nil {
			c.logger.Error("discarding malformed action message",
				zap.String("message_id", aws.ToString(msg.MessageId)),
				zap.Error(err),
			)
			c.delete(ctx, msg.ReceiptHandle)
			continue
		}

		if err := c.handler(ctx, ev); err != nil {
			c.logger.Warn("notification action failed, leaving for redelivery",
				zap.String("action", ev.Action),
				zap.String("reminder_id", ev.Data.ReminderID),
				zap.Error(err),
			)
			continue
		}

		c.delete(ctx, msg.ReceiptHandle)
		handled++
	}

	return handled, nil
}

func (c *Consumer) delete(ctx context.Context, receipt *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receipt,
	})
	if err != nil {
		c.logger.Error("sqs delete failed", zap.Error(err))
	}
}
