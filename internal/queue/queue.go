package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/docflow/keygate/internal/config"
	"github.com/docflow/keygate/internal/metrics"
	"github.com/docflow/keygate/pkg/models"
)

const (
	AlertQueueName = "keygate_alerts"
	ExchangeName   = "keygate"
)

// Queue publishes operational alerts over RabbitMQ.
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New creates a new queue client
func New(cfg config.QueueConfig) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare queue
	_, err = channel.QueueDeclare(
		AlertQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = channel.QueueBind(
		AlertQueueName,
		AlertQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Queue{
		conn:    conn,
		channel: channel,
	}, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishAlert publishes one alert. The message is durable so a consumer
// restart does not lose it.
func (q *Queue) PublishAlert(ctx context.Context, alert *models.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		ExchangeName,
		AlertQueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	metrics.AlertsPublished.WithLabelValues(alert.Type).Inc()
	return nil
}

// PoolExhausted raises an alert that a provider has no usable keys left.
func (q *Queue) PoolExhausted(ctx context.Context, provider string) {
	_ = q.PublishAlert(ctx, &models.Alert{
		Type:     models.AlertKeyPoolExhausted,
		Provider: provider,
		Detail:   "no usable key in pool after reset pass",
	})
}

// AccountingFailed raises an alert that a usage record could not be
// persisted and will need reconciliation.
func (q *Queue) AccountingFailed(ctx context.Context, record *models.UsageRecord, cause error) {
	alert := &models.Alert{
		Type:   models.AlertAccountingFailed,
		KeyID:  record.KeyID,
		Detail: cause.Error(),
	}
	if record.UserID != nil {
		alert.UserID = *record.UserID
	}
	_ = q.PublishAlert(ctx, alert)
}

// ConsumeAlerts starts consuming alerts for an operational worker.
func (q *Queue) ConsumeAlerts(ctx context.Context, handler func(*models.Alert) error) error {
	err := q.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		AlertQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var alert models.Alert
				if err := json.Unmarshal(msg.Body, &alert); err != nil {
					msg.Nack(false, false)
					continue
				}

				if err := handler(&alert); err != nil {
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	return nil
}

// Depth returns the number of pending alerts.
func (q *Queue) Depth() (int, error) {
	info, err := q.channel.QueueInspect(AlertQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}
