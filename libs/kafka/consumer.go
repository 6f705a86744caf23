package kafka

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type ConsumerMetrics struct {
	Handled *prometheus.CounterVec
}

func NewConsumerMetrics(registry *prometheus.Registry) *ConsumerMetrics {
	m := &ConsumerMetrics{
		Handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execution",
			Subsystem: "kafka",
			Name:      "messages_handled_total",
			Help:      "Consumed messages by outcome.",
		}, []string{"topic", "outcome"}),
	}
	if registry != nil {
		registry.MustRegister(m.Handled)
	}
	return m
}

// Consumer wraps a sarama consumer group for the broker-updates feed.
// A failing message is retried a few times in place before it is
// skipped; an update that keeps failing must not wedge the partition.
type Consumer struct {
	group   sarama.ConsumerGroup
	logger  *slog.Logger
	metrics *ConsumerMetrics

	handleRetries int
	retryDelay    time.Duration
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:         group,
		logger:        logger,
		handleRetries: 3,
		retryDelay:    time.Second,
	}, nil
}

// WithMetrics attaches a consumer metrics set. Call before Consume.
func (c *Consumer) WithMetrics(m *ConsumerMetrics) *Consumer {
	c.metrics = m
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:    handler,
		logger:     c.logger,
		metrics:    c.metrics,
		retries:    c.handleRetries,
		retryDelay: c.retryDelay,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler    MessageHandler
	logger     *slog.Logger
	metrics    *ConsumerMetrics
	retries    int
	retryDelay time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.handleWithRetry(session.Context(), msg); err != nil {
			// The order stays in its current state until a good update
			// for it arrives.
			h.logger.Error("kafka message dropped after retries",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			h.count(msg.Topic, "dropped")
		} else {
			h.count(msg.Topic, "ok")
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) handleWithRetry(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var err error
	for attempt := 0; attempt <= h.retries; attempt++ {
		if err = h.handler.HandleMessage(ctx, msg); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < h.retries {
			time.Sleep(h.retryDelay)
		}
	}
	return err
}

func (h *consumerGroupHandler) count(topic, outcome string) {
	if h.metrics == nil {
		return
	}
	h.metrics.Handled.WithLabelValues(topic, outcome).Inc()
}
