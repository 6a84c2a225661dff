package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

// SESAPI is the subset of the SES client the email platform uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailPlatform sends reminder notifications as plain-text email via AWS SES.
type EmailPlatform struct {
	client  SESAPI
	from    string
	to      string
	consent *Consent
	logger  *zap.Logger
}

type SESConfig struct {
	Region      string
	Endpoint    string // Optional, for LocalStack
	FromEmail   string
	ToEmail     string
	Preapproved bool
}

func NewEmailPlatform(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*EmailPlatform, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	client := ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewEmailPlatformWithClient(client, cfg, logger), nil
}

// NewEmailPlatformWithClient builds the platform over an existing client.
func NewEmailPlatformWithClient(client SESAPI, cfg SESConfig, logger *zap.Logger) *EmailPlatform {
	return &EmailPlatform{
		client:  client,
		from:    cfg.FromEmail,
		to:      cfg.ToEmail,
		consent: NewConsent(cfg.Preapproved),
		logger:  logger,
	}
}

func (e *EmailPlatform) Name() string                  { return "email" }
func (e *EmailPlatform) Supported() bool               { return e.from != "" && e.to != "" }
func (e *EmailPlatform) Permission() notify.Permission { return e.consent.Get() }

// RequestPermission grants: configuring a recipient is the opt-in.
func (e *EmailPlatform) RequestPermission(ctx context.Context) (notify.Permission, error) {
	e.consent.Set(notify.PermissionGranted)
	return notify.PermissionGranted, nil
}

func (e *EmailPlatform) Display(ctx context.Context, opts notify.Options) error {
	if opts.Title == "" {
		return fmt.Errorf("email notification missing title")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(e.from),
		Destination: &types.Destination{
			ToAddresses: []string{e.to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(opts.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(emailBody(opts)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := e.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	e.logger.Info("email sent via SES",
		zap.String("tag", opts.Tag),
		zap.String("to", e.to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func emailBody(opts notify.Options) string {
	var b strings.Builder
	b.WriteString(opts.Body)
	if len(opts.Actions) > 0 {
		b.WriteString("\n\nOpen AquaGuide to ")
		titles := make([]string, len(opts.Actions))
		for i, a := range opts.Actions {
			titles[i] = strings.ToLower(a.Title)
		}
		b.WriteString(strings.Join(titles, " or "))
		b.WriteString(".")
	}
	return b.String()
}
