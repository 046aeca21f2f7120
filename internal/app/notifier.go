package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

type NotificationKind string

const (
	NotifyEditRequested    NotificationKind = "edit_requested"
	NotifyPublishRequested NotificationKind = "publish_requested"
	NotifyRequestReviewed  NotificationKind = "request_reviewed"
	NotifyApprovalExpired  NotificationKind = "approval_expired"
	NotifyPublished        NotificationKind = "published"
)

// Notification is the message sent to approver chats over the events channel.
type Notification struct {
	Kind        NotificationKind     `json:"kind"`
	RequestID   string               `json:"request_id,omitempty"`
	Key         models.SheetKey      `json:"key"`
	Scope       models.Scope         `json:"scope,omitempty"`
	Status      models.RequestStatus `json:"status,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	RequestedBy string               `json:"requested_by,omitempty"`
	At          time.Time            `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

type RedisNotifier struct {
	redis   *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{redis: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := n.redis.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Subscribe delivers notifications to handle until ctx is done. Malformed
// messages are logged and skipped.
func (n *RedisNotifier) Subscribe(ctx context.Context, handle func(Notification)) error {
	sub := n.redis.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var note Notification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				logger.Error.Printf("Dropping malformed notification: %v", err)
				continue
			}
			handle(note)
		}
	}
}
