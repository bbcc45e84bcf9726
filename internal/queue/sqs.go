package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// sqsAPI is the subset of the SQS client used by the source.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSSource polls an AWS SQS queue for envelopes.
type SQSSource struct {
	client   sqsAPI
	queueURL string
	wait     int32
	logger   *slog.Logger
}

// NewSQSSource creates a source backed by AWS SQS. A non-empty endpoint
// overrides where SQS is reached, so a simulator (e.g. localstack) may be
// used instead of AWS.
func NewSQSSource(ctx context.Context, queueURL, endpoint string, wait int, logger *slog.Logger) (*SQSSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load the AWS configuration: %w", err)
	}

	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &SQSSource{
		client:   client,
		queueURL: queueURL,
		wait:     int32(ClampWait(wait, logger)),
		logger:   logger,
	}, nil
}

func (s *SQSSource) Receive(ctx context.Context) ([]Envelope, error) {
	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(s.queueURL),
		MaxNumberOfMessages:   maxBatch,
		VisibilityTimeout:     visibilityTimeoutSeconds,
		WaitTimeSeconds:       s.wait,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, err
	}

	envelopes := make([]Envelope, 0, len(out.Messages))
	for _, msg := range out.Messages {
		envelopes = append(envelopes, Envelope{
			Body:   aws.ToString(msg.Body),
			Handle: aws.ToString(msg.ReceiptHandle),
		})
	}
	return envelopes, nil
}

func (s *SQSSource) Delete(ctx context.Context, handle string) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	return err
}
