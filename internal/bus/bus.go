package bus

import (
	"fmt"

	"github.com/damocles-platform/settlementd/internal/domain"
)

// New creates an event bus based on configuration.
// Single-node deployments use the in-process ChannelBus; multi-node
// deployments use NATS.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
