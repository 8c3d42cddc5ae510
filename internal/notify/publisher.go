package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"civicflow/internal/domain"
)

const (
	DefaultChannel        = "civicflow.notifications"
	defaultWebhookTimeout = 5 * time.Second
)

// Publisher delivers one notification. Delivery is at-least-once: a
// publisher may see the same notification again after a failed mark.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// Message is the JSON body sent by every publisher.
type Message struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind"`
	UserID      string `json:"user_id"`
	ComplaintID string `json:"complaint_id"`
	CreatedAt   string `json:"created_at"`
}

func NewMessage(n domain.Notification) Message {
	return Message{
		ID:          n.ID,
		Kind:        string(n.Kind),
		UserID:      n.UserID,
		ComplaintID: n.ComplaintID,
		CreatedAt:   n.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// RedisPublisher publishes to a Redis pub/sub channel.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
}

func (p RedisPublisher) Publish(ctx context.Context, n domain.Notification) error {
	if p.Client == nil {
		return errors.New("redis client not configured")
	}
	channel := p.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	data, err := json.Marshal(NewMessage(n))
	if err != nil {
		return err
	}
	if err := p.Client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("notify: redis ping: %w", err)
	}
	return client, nil
}

// WebhookPublisher POSTs each notification as JSON.
type WebhookPublisher struct {
	URL    string
	Secret string
	Client *http.Client
}

func (p WebhookPublisher) Publish(ctx context.Context, n domain.Notification) error {
	if strings.TrimSpace(p.URL) == "" {
		return errors.New("webhook url not configured")
	}
	data, err := json.Marshal(NewMessage(n))
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Civicflow-Event", string(n.Kind))
	req.Header.Set("X-Civicflow-Delivery", fmt.Sprintf("%d", n.ID))
	if strings.TrimSpace(p.Secret) != "" {
		req.Header.Set("X-Civicflow-Secret", p.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogPublisher writes notifications to the log; used when no transport is
// configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, n domain.Notification) error {
	if p.Logger == nil {
		return nil
	}
	p.Logger.Info("notification",
		zap.Int64("id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("user_id", n.UserID),
		zap.String("complaint_id", n.ComplaintID))
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
