package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gcps "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/webaudit/sitescan/internal/scan"
)

// PubSubConfig names the topic completion notices are published to.
type PubSubConfig struct {
	ProjectID string
	TopicID   string
}

// PubSubNotifier publishes completion notices to a Pub/Sub topic so a
// downstream delivery service (email, push) can fan them out.
type PubSubNotifier struct {
	client *gcps.Client
	topic  *gcps.Topic
	logger *zap.Logger
}

// noticeMessage is the published payload.
type noticeMessage struct {
	UserID   string    `json:"user_id,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Kind     string    `json:"kind"`
	SentAt   time.Time `json:"sent_at"`
}

// NewPubSubNotifier connects to Pub/Sub and validates the configured topic.
func NewPubSubNotifier(ctx context.Context, cfg PubSubConfig, logger *zap.Logger) (*PubSubNotifier, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub project_id and topic_id are required")
	}
	client, err := gcps.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic: %w", err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	return NewPubSubNotifierWithClient(client, cfg, logger), nil
}

// NewPubSubNotifierWithClient wraps an existing client, used by tests with
// the pstest fake.
func NewPubSubNotifierWithClient(client *gcps.Client, cfg PubSubConfig, logger *zap.Logger) *PubSubNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubNotifier{
		client: client,
		topic:  client.Topic(cfg.TopicID),
		logger: logger,
	}
}

// Notify implements scan.Notifier. The publish is confirmed before returning
// so the caller's fire-and-forget logging sees real failures.
func (n *PubSubNotifier) Notify(ctx context.Context, owner scan.Owner, title, message, kind string) error {
	data, err := json.Marshal(noticeMessage{
		UserID:   owner.UserID,
		DeviceID: owner.DeviceID,
		Title:    title,
		Message:  message,
		Kind:     kind,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	result := n.topic.Publish(ctx, &gcps.Message{
		Data:       data,
		Attributes: map[string]string{"kind": kind},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	n.logger.Debug("notice published", zap.String("message_id", id), zap.String("kind", kind))
	return nil
}

// Close stops the topic and releases the client.
func (n *PubSubNotifier) Close() error {
	n.topic.Stop()
	return n.client.Close()
}
