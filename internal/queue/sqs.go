// Package queue hands admitted jobs to the dispatch layer that performs the
// model invocation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Job is an admitted request bound to the provider that must serve it.
type Job struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	Priority     int64     `json:"priority"`
	RouterID     int64     `json:"router_id"`
	ProviderID   string    `json:"provider_id"`
	Model        string    `json:"model"`
	PromptTokens *int64    `json:"prompt_tokens,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

// sqsAPI is the subset of the SQS client used here.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSDispatcher struct {
	client   sqsAPI
	queueURL string
}

func NewSQSDispatcher(ctx context.Context, region, queueURL string) (*SQSDispatcher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSDispatcherWithConfig(cfg, queueURL), nil
}

func NewSQSDispatcherWithConfig(cfg aws.Config, queueURL string) *SQSDispatcher {
	return &SQSDispatcher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (q *SQSDispatcher) Enqueue(ctx context.Context, job Job) error {
	_, err := q.client.SendMessage(ctx, sendInput(q.queueURL, job))
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func sendInput(queueURL string, job Job) *sqs.SendMessageInput {
	body, _ := json.Marshal(job)

	return &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.ID),
			},
			"ProviderID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.ProviderID),
			},
			"Priority": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(job.Priority, 10)),
			},
		},
	}
}

type InMemoryDispatcher struct {
	mu   sync.Mutex
	jobs []Job
}

func NewInMemoryDispatcher() *InMemoryDispatcher {
	return &InMemoryDispatcher{}
}

func (q *InMemoryDispatcher) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *InMemoryDispatcher) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]Job, len(q.jobs))
	copy(result, q.jobs)
	return result
}
