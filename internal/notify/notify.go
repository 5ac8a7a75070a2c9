package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"
)

// Event announces that a batch reached a terminal status.
type Event struct {
	BatchID        string         `json:"batch_id"`
	Owner          string         `json:"owner,omitempty"`
	Status         string         `json:"status"`
	TotalFiles     int            `json:"total_files"`
	ProcessedFiles int            `json:"processed_files"`
	FailedFiles    int            `json:"failed_files"`
	SkippedFiles   int            `json:"skipped_files"`
	ErrorSummary   map[string]int `json:"error_summary,omitempty"`
	NotebookIDs    []string       `json:"notebook_ids,omitempty"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// Publisher delivers batch events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// LogPublisher writes events to the application log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, evt Event) error {
	log.Info().
		Str("batch_id", evt.BatchID).
		Str("status", evt.Status).
		Int("processed", evt.ProcessedFiles).
		Int("failed", evt.FailedFiles).
		Int("skipped", evt.SkippedFiles).
		Msg("batch finished")
	return nil
}

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each event as a JSON message to a queue.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

// NewSQSPublisherFromEnv builds a publisher with the default AWS credential chain.
func NewSQSPublisherFromEnv(ctx context.Context, queueURL string) (*SQSPublisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSPublisher(sqs.NewFromConfig(awsCfg), queueURL), nil
}

func (p *SQSPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send sqs message: %w", err)
	}
	return nil
}

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
