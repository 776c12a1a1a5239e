// Package sqs carries domain events between the CRUD layer and the
// notification bridge. The CRUD side enqueues an event when an entity is
// published or changed; the bridge long-polls the queue and turns each
// event into a notification.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Domain event types understood by the bridge.
const (
	EventEventPublished       = "event_published"
	EventOpportunityPublished = "opportunity_published"
	EventTimetableUpdated     = "timetable_updated"
	EventUserRegistered       = "user_registered"
)

// DomainEvent is the queue payload. Audience fields carry the triggering
// entity's own restrictions; empty audience fields on a published
// event/opportunity mean "no restriction", i.e. everyone.
type DomainEvent struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	EntityID   string   `json:"entity_id"`
	Title      string   `json:"title"`
	BranchIDs  []string `json:"branch_ids,omitempty"`
	Semesters  []int    `json:"semesters,omitempty"`
	Years      []int    `json:"years,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	UserName   string   `json:"user_name,omitempty"`
	OccurredAt int64    `json:"occurred_at"`
}

// Producer sends domain events to SQS.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue sends a domain event to the queue. Returns the message ID.
func (p *Producer) Enqueue(ctx context.Context, event *DomainEvent) (string, error) {
	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().Unix()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send event to sqs",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}

// Consumer reads domain events from SQS.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// ReceiveEvent retrieves one event with long polling. Returns (nil, "",
// nil) when the queue is empty.
func (c *Consumer) ReceiveEvent(ctx context.Context) (*DomainEvent, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msgData := result.Messages[0]

	var event DomainEvent
	if err := json.Unmarshal([]byte(*msgData.Body), &event); err != nil {
		c.logger.Error("failed to unmarshal event", zap.Error(err))
		return nil, "", fmt.Errorf("invalid event format: %w", err)
	}

	return &event, *msgData.ReceiptHandle, nil
}

// DeleteMessage removes a message from SQS after processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}
