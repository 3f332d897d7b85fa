package mailer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/ignite/campaign-dispatch/internal/config"
)

// SESTransport delivers through AWS SES using the SDK v2
type SESTransport struct {
	cfg    appconfig.SESConfig
	client *sesv2.Client
}

// NewSESTransport creates an SES transport. The client is only
// initialized when credentials are present; an unconfigured transport
// still constructs so startup can report it cleanly.
func NewSESTransport(ctx context.Context, cfg appconfig.SESConfig) (*SESTransport, error) {
	t := &SESTransport{cfg: cfg}
	if !cfg.Configured() {
		return t, nil
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	t.client = sesv2.NewFromConfig(awsCfg)
	return t, nil
}

// Name identifies the transport in logs
func (t *SESTransport) Name() string { return "ses" }

// Configured reports whether the SES client was initialized
func (t *SESTransport) Configured() bool { return t.client != nil }

// Send delivers the message through the SES v2 SendEmail API
func (t *SESTransport) Send(ctx context.Context, msg *Message) error {
	if t.client == nil {
		return fmt.Errorf("SES client not initialized - check credentials")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", t.cfg.FromName, t.cfg.FromAddress)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	for k, v := range msg.Headers {
		input.Content.Simple.Headers = append(input.Content.Simple.Headers, types.MessageHeader{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}

	_, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("SES send: %w", err)
	}
	return nil
}
