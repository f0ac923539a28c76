package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Client is the subset of the SNS API the publisher uses.
type Client interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher mirrors committed dispatches to an SNS topic so downstream systems
// (analytics, audit, other channels) can subscribe with filter policies.
type Publisher struct {
	client   Client
	topicARN string
}

// Message summarizes one committed dispatch.
type Message struct {
	NotificationID string    `json:"notification_id"`
	Type           string    `json:"type"`
	Priority       string    `json:"priority"`
	Broadcast      bool      `json:"broadcast"`
	RecipientCount int       `json:"recipient_count"`
	Suppressed     int       `json:"suppressed"`
	Excluded       int       `json:"excluded"`
	Reached        int       `json:"reached"`
	RelatedKind    string    `json:"related_kind,omitempty"`
	RelatedID      string    `json:"related_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN, region string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	if region != "" {
		optFns = append(optFns, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return NewPublisherWithClient(client, topicARN), nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client Client, topicARN string) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}
}

// Publish sends a dispatch summary. Type and priority are message attributes so
// subscribers can filter on them.
func (p *Publisher) Publish(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Type),
			},
			"priority": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Priority),
			},
			"recipient_count": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(msg.RecipientCount)),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
