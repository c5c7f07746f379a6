package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"codeforge/pkg/config"
)

// maxWaitSeconds is the SQS long-poll ceiling.
const maxWaitSeconds = 20

// ErrQueueNotFound means the configured queue URL does not exist.
var ErrQueueNotFound = errors.New("queue not found")

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSQueue is the hosted queue used when several worker processes share work.
type SQSQueue struct {
	client     SQSAPI
	url        string
	visibility time.Duration
}

// NewSQSQueue builds a queue over the default AWS credential chain. A custom
// endpoint points the client at an SQS-compatible service.
func NewSQSQueue(ctx context.Context, cfg config.QueueConfig) (*SQSQueue, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSQSQueueWithClient(client, cfg.SQSQueueURL, cfg.VisibilityTimeout), nil
}

// NewSQSQueueWithClient wraps an existing client.
func NewSQSQueueWithClient(client SQSAPI, url string, visibility time.Duration) *SQSQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &SQSQueue{client: client, url: url, visibility: visibility}
}

// Send enqueues body as the message text.
func (q *SQSQueue) Send(ctx context.Context, body []byte) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	return q.wrap("send", err)
}

// Receive long-polls for one message. wait is capped at 20 seconds.
func (q *SQSQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	secs := min(int32(wait/time.Second), maxWaitSeconds)
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     secs,
		VisibilityTimeout:   int32(q.visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, q.wrap("receive", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	m := out.Messages[0]
	deliveries, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	return &Message{
		Body:       []byte(aws.ToString(m.Body)),
		Receipt:    aws.ToString(m.ReceiptHandle),
		Deliveries: max(deliveries, 1),
	}, nil
}

// Ack deletes the message behind receipt.
func (q *SQSQueue) Ack(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receipt),
	})
	return q.wrap("ack", err)
}

// Depth reads ApproximateNumberOfMessages.
func (q *SQSQueue) Depth(ctx context.Context) (int, error) {
	name := types.QueueAttributeNameApproximateNumberOfMessages
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.url),
		AttributeNames: []types.QueueAttributeName{name},
	})
	if err != nil {
		return 0, q.wrap("depth", err)
	}
	n, err := strconv.Atoi(out.Attributes[string(name)])
	if err != nil {
		return 0, fmt.Errorf("sqs depth: bad attribute value: %w", err)
	}
	return n, nil
}

func (q *SQSQueue) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return fmt.Errorf("sqs %s %s: %w", op, q.url, ErrQueueNotFound)
	}
	var receiptErr *types.ReceiptHandleIsInvalid
	if errors.As(err, &receiptErr) {
		return fmt.Errorf("sqs %s: %w", op, ErrUnknownReceipt)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("sqs %s failed (%s): %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("sqs %s failed: %w", op, err)
}

var _ Queue = (*SQSQueue)(nil)
