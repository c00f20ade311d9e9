// Package pubsub dispatches stage tasks over Google Cloud Pub/Sub so scan
// workers can run in separate processes.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	gcps "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/scan"
)

const (
	attrKind   = "kind"
	kindTask   = "task"
	kindCancel = "cancel"
	attrTaskID = "task_id"
)

// Config names the Pub/Sub resources the queue uses.
type Config struct {
	ProjectID    string
	TopicID      string
	Subscription string
}

// Queue implements scan.TaskQueue on a Pub/Sub topic. Enqueue publishes the
// JSON-encoded task; a background Receive loop feeds Dequeue. Cancel
// publishes a control message so every worker process learns about it, not
// just the local one.
type Queue struct {
	client *gcps.Client
	topic  *gcps.Topic
	sub    *gcps.Subscription
	logger *zap.Logger

	tasks chan scan.Task

	mu        sync.Mutex
	cancelled map[string]struct{}

	startOnce sync.Once
}

// New connects to Pub/Sub and validates the configured topic.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub project_id and topic_name are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := gcps.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		closeClient(client, logger)
		return nil, fmt.Errorf("check pubsub topic: %w", err)
	}
	if !ok {
		closeClient(client, logger)
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	q := &Queue{
		client:    client,
		topic:     topic,
		logger:    logger,
		tasks:     make(chan scan.Task, 64),
		cancelled: make(map[string]struct{}),
	}
	if cfg.Subscription != "" {
		q.sub = client.Subscription(cfg.Subscription)
	}
	return q, nil
}

// NewWithClient builds a queue from an existing client, used by tests
// against the pstest fake.
func NewWithClient(client *gcps.Client, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		client:    client,
		topic:     client.Topic(cfg.TopicID),
		logger:    logger,
		tasks:     make(chan scan.Task, 64),
		cancelled: make(map[string]struct{}),
	}
	if cfg.Subscription != "" {
		q.sub = client.Subscription(cfg.Subscription)
	}
	return q
}

// Start launches the background receive loop. Safe to call once; Dequeue
// blocks forever without it.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.receive(ctx)
	})
}

// Enqueue publishes the task and waits for the server acknowledgement.
func (q *Queue) Enqueue(ctx context.Context, task scan.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	result := q.topic.Publish(ctx, &gcps.Message{
		Data: data,
		Attributes: map[string]string{
			attrKind:   kindTask,
			attrTaskID: task.ID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Dequeue returns the next task received from the subscription.
func (q *Queue) Dequeue(ctx context.Context) (scan.Task, error) {
	for {
		select {
		case <-ctx.Done():
			return scan.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case task, ok := <-q.tasks:
			if !ok {
				return scan.Task{}, fmt.Errorf("pubsub queue closed")
			}
			if q.isCancelled(task.ID) {
				continue
			}
			return task, nil
		}
	}
}

// Cancel broadcasts an advisory cancellation for the task.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	q.markCancelled(taskID)
	result := q.topic.Publish(ctx, &gcps.Message{
		Attributes: map[string]string{
			attrKind:   kindCancel,
			attrTaskID: taskID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

// Close flushes the publisher and closes the client.
func (q *Queue) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (q *Queue) receive(ctx context.Context) {
	if q.sub == nil {
		q.logger.Warn("pubsub queue started without a subscription, dequeue disabled")
		return
	}
	err := q.sub.Receive(ctx, func(_ context.Context, msg *gcps.Message) {
		switch msg.Attributes[attrKind] {
		case kindCancel:
			q.markCancelled(msg.Attributes[attrTaskID])
			msg.Ack()
		default:
			var task scan.Task
			if err := json.Unmarshal(msg.Data, &task); err != nil {
				q.logger.Warn("discarding malformed task message", zap.Error(err))
				msg.Ack()
				return
			}
			// A redelivered message raises the attempt count so earlier
			// deliveries keep their claim on the retry budget.
			if msg.DeliveryAttempt != nil && int(*msg.DeliveryAttempt) > task.Attempt {
				task.Attempt = int(*msg.DeliveryAttempt)
			}
			select {
			case q.tasks <- task:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive loop ended", zap.Error(err))
	}
}

func (q *Queue) markCancelled(taskID string) {
	if taskID == "" {
		return
	}
	q.mu.Lock()
	q.cancelled[taskID] = struct{}{}
	q.mu.Unlock()
}

func (q *Queue) isCancelled(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.cancelled[taskID]
	return ok
}

func closeClient(client *gcps.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close pubsub client", zap.Error(err))
	}
}
