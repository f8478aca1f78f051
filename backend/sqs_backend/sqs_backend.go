package sqsbackend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
)

// Backend publishes events by sending them to an SQS queue.
type Backend struct {
	svc      *sqs.SQS
	queueURL string
}

// ID returns "sqs".
func (b *Backend) ID() string {
	return "sqs"
}

// Start starts the backend given a "region" and a "queue_url" provided by
// the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	region, ok := cfg["region"].(string)
	if !ok {
		return errors.New("region must be a string")
	}
	b.queueURL, ok = cfg["queue_url"].(string)
	if !ok || b.queueURL == "" {
		return errors.New("queue_url must be a non-empty string")
	}

	// Create a session that gets credential values from ~/.aws/credentials
	// and the default region from ~/.aws/config
	sqsSession, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return err
	}

	b.svc = sqs.New(sqsSession)

	return nil
}

// Publish sends payload as an SQS message. The channel is attached as a
// message attribute.
func (b *Backend) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := b.svc.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		MessageBody: aws.String(string(payload)),
		QueueUrl:    aws.String(b.queueURL),
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(channel),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("Got an error sending the message: %s", err.Error())
	}
	return nil
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	return nil
}
