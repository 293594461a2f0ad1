package mailing

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// sesAPI is the slice of the SES v2 client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends emails via AWS SES using the SDK v2.
type SESSender struct {
	client           sesAPI
	configurationSet string
}

// SESConfig holds what the sender needs from configuration. Empty keys fall
// back to the default AWS credential chain.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	ConfigurationSet string
}

// NewSESSender creates an SES sender.
func NewSESSender(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSESSenderWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet), nil
}

func newSESSenderWithClient(client sesAPI, configurationSet string) *SESSender {
	return &SESSender{client: client, configurationSet: configurationSet}
}

// Send delivers a single email through AWS SES.
func (s *SESSender) Send(ctx context.Context, msg Message) (string, error) {
	if s.client == nil {
		return "", ErrSenderNotConfigured
	}

	body := &types.Body{}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: messageTags(msg.Tags),
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send to %s: %w", logger.RedactEmail(msg.To), err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	logger.Debug("ses sent", "recipient", msg.To, "message_id", messageID)
	return messageID, nil
}

// messageTags converts tags in key order so requests are reproducible.
func messageTags(tags map[string]string) []types.MessageTag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.MessageTag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.MessageTag{Name: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}
