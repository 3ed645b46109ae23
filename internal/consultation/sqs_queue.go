package consultation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// sqsAPI is the slice of the SQS client the queue touches, injectable for
// tests.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue carries provisioning jobs over AWS/LocalStack SQS, JSON-framed.
type SQSQueue struct {
	api      sqsAPI
	queueURL string
	logger   *logging.Logger
}

// NewSQSQueue wraps the provided SQS client.
func NewSQSQueue(client *sqs.Client, queueURL string, logger *logging.Logger) *SQSQueue {
	if client == nil {
		panic("consultation: SQS client cannot be nil")
	}
	return newSQSQueueWithAPI(client, queueURL, logger)
}

func newSQSQueueWithAPI(api sqsAPI, queueURL string, logger *logging.Logger) *SQSQueue {
	if queueURL == "" {
		panic("consultation: SQS queueURL cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SQSQueue{api: api, queueURL: queueURL, logger: logger}
}

// Send marshals the job onto the queue.
func (q *SQSQueue) Send(ctx context.Context, job provisionJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("consultation: encode provision job: %w", err)
	}
	_, err = q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("consultation: send provision job: %w", err)
	}
	return nil
}

// Receive long-polls for jobs. A message whose body does not decode to a
// provision job is acknowledged and dropped so it cannot wedge the queue.
func (q *SQSQueue) Receive(ctx context.Context, maxJobs, waitSeconds int) ([]queuedJob, error) {
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxJobs),
		WaitTimeSeconds:     int32(waitSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("consultation: receive provision jobs: %w", err)
	}

	jobs := make([]queuedJob, 0, len(out.Messages))
	for _, msg := range out.Messages {
		receipt := aws.ToString(msg.ReceiptHandle)
		var job provisionJob
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil || job.AppointmentID == "" {
			q.logger.Error("dropping undecodable provision job",
				"message_id", aws.ToString(msg.MessageId), "error", err)
			if delErr := q.Delete(ctx, receipt); delErr != nil {
				q.logger.Warn("delete of undecodable job failed", "error", delErr)
			}
			continue
		}
		jobs = append(jobs, queuedJob{Job: job, Receipt: receipt})
	}
	return jobs, nil
}

// Delete acknowledges a job by its receipt handle.
func (q *SQSQueue) Delete(ctx context.Context, receipt string) error {
	if receipt == "" {
		return nil
	}
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("consultation: delete provision job: %w", err)
	}
	return nil
}
