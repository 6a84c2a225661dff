// Package sqs hands reminder notifications to an out-of-process push worker
// through a queue and reads the notification actions it reports back.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/delivery"
	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

// API is the subset of the SQS client used by the producer and consumer.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region         string
	Endpoint       string // Optional, for LocalStack
	QueueURL       string // Outgoing notifications
	ActionQueueURL string // Incoming notification actions, optional
	Preapproved    bool
}

// Message is the payload sent to the push worker.
type Message struct {
	Notification notify.Options `json:"notification"`
	EnqueuedAt   int64          `json:"enqueued_at"`
}

// NewClient loads the default AWS config and builds an SQS client.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Platform enqueues notifications for the push worker.
type Platform struct {
	client   API
	queueURL string
	consent  *delivery.Consent
	logger   *zap.Logger
	now      func() time.Time
}

// NewPlatform creates a queue-backed notification platform.
func NewPlatform(client API, cfg Config, logger *zap.Logger) *Platform {
	logger.Info("sqs platform initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Platform{
		client:   client,
		queueURL: cfg.QueueURL,
		consent:  delivery.NewConsent(cfg.Preapproved),
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Platform) Name() string                  { return "sqs" }
func (p *Platform) Supported() bool               { return p.queueURL != "" }
func (p *Platform) Permission() notify.Permission { return p.consent.Get() }

// RequestPermission grants: the push worker holds the device subscriptions.
func (p *Platform) RequestPermission(ctx context.Context) (notify.Permission, error) {
	p.consent.Set(notify.PermissionGranted)
	return notify.PermissionGranted, nil
}

// Display enqueues the notification. On FIFO queues messages are grouped by
// tank and deduplicated by tag and second.
func (p *Platform) Display(ctx context.Context, opts notify.Options) error {
	now := p.now()
	body, err := json.Marshal(Message{
		Notification: opts,
		EnqueuedAt:   now.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if IsFIFO(p.queueURL) {
		group := "aquaguide"
		if opts.Data != nil && opts.Data.TankID != "" {
			group = opts.Data.TankID
		}
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%s-%d", opts.Tag, now.Unix()))
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("tag", opts.Tag),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("notification enqueued",
		zap.String("tag", opts.Tag),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// IsFIFO reports whether the queue URL names a FIFO queue.
func IsFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
