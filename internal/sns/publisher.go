// Package sns delivers reminder notifications by publishing them to an SNS
// topic, so subscribers (mobile push, SMS, email fan-out) receive them.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/delivery"
	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

// API is the subset of the SNS client the platform uses.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds SNS configuration.
type Config struct {
	Region      string
	Endpoint    string // Optional, for LocalStack
	TopicARN    string
	Preapproved bool
}

// Message is the JSON body published to the topic.
type Message struct {
	Tag         string          `json:"tag,omitempty"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	ReminderID  string          `json:"reminder_id,omitempty"`
	TankID      string          `json:"tank_id,omitempty"`
	Actions     []notify.Action `json:"actions,omitempty"`
	PublishedAt int64           `json:"published_at"`
}

// Platform publishes notifications to an SNS topic.
type Platform struct {
	client   API
	topicARN string
	consent  *delivery.Consent
	logger   *zap.Logger
	now      func() time.Time
}

// NewPlatform loads the default AWS config and creates a platform for the topic.
func NewPlatform(ctx context.Context, cfg Config, logger *zap.Logger) (*Platform, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns platform initialized", zap.String("topic_arn", cfg.TopicARN))
	return NewPlatformWithClient(client, cfg, logger), nil
}

// NewPlatformWithClient builds the platform over an existing client.
func NewPlatformWithClient(client API, cfg Config, logger *zap.Logger) *Platform {
	return &Platform{
		client:   client,
		topicARN: cfg.TopicARN,
		consent:  delivery.NewConsent(cfg.Preapproved),
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Platform) Name() string                  { return "sns" }
func (p *Platform) Supported() bool               { return p.topicARN != "" }
func (p *Platform) Permission() notify.Permission { return p.consent.Get() }

// RequestPermission grants: subscribing to the topic is the opt-in.
func (p *Platform) RequestPermission(ctx context.Context) (notify.Permission, error) {
	p.consent.Set(notify.PermissionGranted)
	return notify.PermissionGranted, nil
}

// Display publishes the notification with type and tank attributes so
// subscriptions can filter.
func (p *Platform) Display(ctx context.Context, opts notify.Options) error {
	msg := NewMessage(opts, p.now())

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(opts.Title),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(messageType(opts)),
			},
		},
	}
	if msg.TankID != "" {
		input.MessageAttributes["tank_id"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.TankID),
		}
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Info("notification published to SNS",
		zap.String("tag", opts.Tag),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// NewMessage flattens notification options into the published message.
func NewMessage(opts notify.Options, now time.Time) Message {
	msg := Message{
		Tag:         opts.Tag,
		Title:       opts.Title,
		Body:        opts.Body,
		Actions:     opts.Actions,
		PublishedAt: now.Unix(),
	}
	if opts.Data != nil {
		msg.ReminderID = opts.Data.ReminderID
		msg.TankID = opts.Data.TankID
	}
	return msg
}

func messageType(opts notify.Options) string {
	if opts.Data != nil && opts.Data.Type != "" {
		return opts.Data.Type
	}
	return "notification"
}
