package router

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"

	"github.com/realisonsdotcom/execution-core/libs/kafka"
)

const lifecycleEventVersion = 1

type lifecycleEvent struct {
	kafka.Envelope
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// publishTransition emits one lifecycle event per transition. Event ids
// are deterministic over (type, order id) so a replayed transition
// collapses downstream. Publishing is fail-open: the trading path never
// waits on the event bus being healthy.
func (r *Router) publishTransition(ctx context.Context, orderID, status string) {
	if r.events == nil {
		return
	}
	eventType := "order." + status
	env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID(eventType, orderID), eventType, lifecycleEventVersion, orderID)
	if err != nil {
		r.logger.Error("lifecycle envelope", "order_id", orderID, "error", err)
		return
	}
	if _, _, err := r.events.PublishJSON(ctx, r.cfg.LifecycleTopic, orderID, lifecycleEvent{
		Envelope: env,
		OrderID:  orderID,
		Status:   status,
	}); err != nil {
		r.logger.Error("lifecycle publish failed", "order_id", orderID, "status", status, "error", err)
	}
}

// UpdateConsumer adapts the broker-updates topic onto
// Router.ApplyBrokerUpdate. Malformed messages are dropped after
// logging; settlement errors bubble up and the consumer retries them
// a few times before skipping.
type UpdateConsumer struct {
	router *Router
}

func NewUpdateConsumer(r *Router) *UpdateConsumer {
	return &UpdateConsumer{router: r}
}

func (c *UpdateConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var upd BrokerUpdate
	if err := json.Unmarshal(msg.Value, &upd); err != nil {
		c.router.logger.Error("broker update undecodable", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return nil
	}
	if upd.OrderID == "" {
		c.router.logger.Error("broker update missing order_id", "topic", msg.Topic, "offset", msg.Offset)
		return nil
	}
	return c.router.ApplyBrokerUpdate(ctx, upd)
}
