package alerter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cheshir/go-mq"
	"github.com/matryer/try"
)

// AMQPConfig configures the broker channel that publishes alert payloads to
// an exchange for downstream consumers (on-call tooling, audit sinks).
type AMQPConfig struct {
	DSN                     string
	Exchange                string
	RoutingKey              string
	ConnectionAttempts      int
	ConnectionRetryInterval time.Duration
}

type AMQPChannel struct {
	cfg      AMQPConfig
	log      *slog.Logger
	queue    mq.MQ
	producer mq.SyncProducer
}

func NewAMQPChannel(cfg AMQPConfig, log *slog.Logger) *AMQPChannel {
	if cfg.Exchange == "" {
		cfg.Exchange = "deploy-monitor-alerts"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "alerts"
	}
	if cfg.ConnectionAttempts <= 0 {
		cfg.ConnectionAttempts = 3
	}
	if cfg.ConnectionRetryInterval <= 0 {
		cfg.ConnectionRetryInterval = 5 * time.Second
	}
	return &AMQPChannel{cfg: cfg, log: log.With("component", "alerter")}
}

func (c *AMQPChannel) Name() string { return "amqp" }

// connect sets up the queue manager and producer on first use. Bounded
// retries, same as the startup connection policy elsewhere: fail the
// channel rather than block the dispatcher forever.
func (c *AMQPChannel) connect() error {
	if c.producer != nil {
		return nil
	}

	config := mq.Config{
		DSN:            c.cfg.DSN,
		ReconnectDelay: c.cfg.ConnectionRetryInterval,
		Exchanges: mq.Exchanges{
			{
				Name: c.cfg.Exchange,
				Type: "direct",
				Options: mq.Options{
					"durable": true,
				},
			},
		},
		Producers: mq.Producers{
			{
				Name:       "alerts-producer",
				Exchange:   c.cfg.Exchange,
				RoutingKey: c.cfg.RoutingKey,
				Sync:       true,
				Options: mq.Options{
					"delivery_mode": "2",
					"content_type":  "application/json",
				},
			},
		},
	}

	err := try.Do(func(attempt int) (bool, error) {
		var err error
		c.queue, err = mq.New(config)
		if err != nil {
			c.log.Warn("failed to connect to alert broker",
				"attempt", attempt,
				"max_attempts", c.cfg.ConnectionAttempts,
				"err", err)
			time.Sleep(c.cfg.ConnectionRetryInterval)
		}
		return attempt < c.cfg.ConnectionAttempts, err
	})
	if err != nil {
		return fmt.Errorf("connect alert broker: %w", err)
	}

	c.producer, err = c.queue.SyncProducer("alerts-producer")
	if err != nil {
		return fmt.Errorf("open alert producer: %w", err)
	}
	return nil
}

func (c *AMQPChannel) Send(ctx context.Context, payload Payload) error {
	if err := c.connect(); err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode alert payload: %w", err)
	}

	if err := c.producer.Produce(raw); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (c *AMQPChannel) Close() {
	if c.queue != nil {
		c.queue.Close()
	}
}
