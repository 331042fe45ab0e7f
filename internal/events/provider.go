package events

import (
	"fmt"
	"strings"

	"github.com/runfleet/runfleet/internal/common/config"
	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/events/bus"
)

// Provide builds the configured event bus implementation. With a NATS URL
// configured, lifecycle events are published to NATS so out-of-process
// consumers can observe them; otherwise everything stays on the in-memory
// bus. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error {
		memBus.Close()
		return nil
	}, nil
}
