// Package ses implements a Provider that sends notices via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/bouncebox/internal/email"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
	// Endpoint overrides the SES API endpoint, e.g. for a local emulator.
	Endpoint string
}

// Provider sends notices via the AWS SES v2 API.
type Provider struct {
	sender string
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Provider from cfg. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain applies. The SDK
// retryer is disabled so every Send is a single API request.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{
		sender: cfg.Sender,
		client: sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
			o.Retryer = aws.NopRetryer{}
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		}),
	}, nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{
		sender: sender,
		client: client,
	}
}

// Send makes a single SendEmail call. Failures are returned as-is; the
// caller decides whether to try again.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if _, err := p.client.SendEmail(ctx, buildInput(p.sender, msg)); err != nil {
		return fmt.Errorf("SES SendEmail: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

func buildInput(sender string, msg *email.Email) *sesv2.SendEmailInput {
	from := sender
	if msg.From != "" {
		from = msg.From
	}

	content := &types.Message{
		Subject: &types.Content{
			Data:    aws.String(msg.Subject),
			Charset: aws.String("UTF-8"),
		},
		Body: &types.Body{
			Text: &types.Content{
				Data:    aws.String(msg.TextBody),
				Charset: aws.String("UTF-8"),
			},
		},
	}

	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content.Headers = append(content.Headers, types.MessageHeader{
			Name:  aws.String(name),
			Value: aws.String(msg.Headers[name]),
		})
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: msg.To,
		},
		Content: &types.EmailContent{
			Simple: content,
		},
	}
}
