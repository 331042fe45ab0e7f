package coordinator

import (
	"github.com/runfleet/runfleet/internal/coordinator/sse"
	"github.com/runfleet/runfleet/internal/events"
	"github.com/runfleet/runfleet/internal/events/bus"
)

// subjectToSSE maps bus subjects onto the wire event types SSE clients see.
// Runner lifecycle subjects are internal and not mirrored.
var subjectToSSE = map[string]string{
	events.RunCreated:     sse.EventRunCreated,
	events.SessionRunning: sse.EventSessionRunning,
	events.SessionEvent:   sse.EventSessionEvent,
	events.RunCompleted:   sse.EventRunCompleted,
	events.RunFailed:      sse.EventRunFailed,
	events.RunStopped:     sse.EventRunStopped,
}

// mirrorSSE feeds the fan-out manager directly from the publish path. Bus
// delivery runs handlers on their own goroutines, which would let frames for
// a session arrive out of publish order; the stream must not.
func (c *Coordinator) mirrorSSE(event *bus.Event) {
	eventType, ok := subjectToSSE[event.Type]
	if !ok {
		return
	}
	c.sse.Broadcast(eventType, event.Data, event.SessionID())
}
