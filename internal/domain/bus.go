package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication between
// the orchestrator and the async workers. Supports Go channels or NATS.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `envconfig:"BUS_TYPE" default:"channel"`

	// Channel settings
	ChannelBufferSize int `envconfig:"BUS_CHANNEL_BUFFER" default:"1000"`

	// NATS settings
	NATSUrl           string `envconfig:"BUS_NATS_URL"`
	NATSToken         string `envconfig:"BUS_NATS_TOKEN"`
	NATSMaxReconnects int    `envconfig:"BUS_NATS_MAX_RECONNECTS" default:"10"`
	NATSReconnectWait int    `envconfig:"BUS_NATS_RECONNECT_WAIT" default:"5"` // seconds
}

// Topic names for the settlement pipeline.
const (
	TopicSettlementProposed  = "settlement.proposed"
	TopicSettlementAccepted  = "settlement.accepted"
	TopicSettlementRejected  = "settlement.rejected"
	TopicSettlementCompleted = "settlement.completed"
	TopicSettlementFailed    = "settlement.failed"
	TopicComplianceSignal    = "compliance.signal"
)
