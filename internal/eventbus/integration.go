package eventbus

// CallEvent carries a correlation update for one call — published when a
// servlet learns something about a call (e.g. a negotiated media flow)
// that another servlet or the control plane wants to observe.
type CallEvent struct {
	CallID string         `json:"call_id"`
	Kind   string         `json:"kind"`
	Data   map[string]any `json:"data"`
}

// CallEventBus wraps an EventBus with call-id partitioning and a typed
// publish/subscribe surface for CallEvents.
type CallEventBus struct {
	bus EventBus
}

// NewCallEventBus creates a CallEventBus backed by an in-memory bus.
func NewCallEventBus(partitionCount, queueSize int) *CallEventBus {
	return &CallEventBus{bus: NewInMemoryEventBus(partitionCount, queueSize)}
}

// PublishCallEvent publishes ev, partitioned by its CallID.
func (c *CallEventBus) PublishCallEvent(ev *CallEvent) error {
	return c.bus.Publish(&Event{Topic: "call_event", Key: ev.CallID, Payload: ev})
}

// SubscribeCallEvents delivers every published CallEvent to handler.
func (c *CallEventBus) SubscribeCallEvents(handler func(*CallEvent) error) error {
	return c.bus.Subscribe("call_event", func(event *Event) error {
		ev, ok := event.Payload.(*CallEvent)
		if !ok {
			return nil
		}
		return handler(ev)
	})
}

func (c *CallEventBus) Close() error     { return c.bus.Close() }
func (c *CallEventBus) GetStats() *Stats { return c.bus.GetStats() }
