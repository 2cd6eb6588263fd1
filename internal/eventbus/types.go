package eventbus

import (
	"context"
)

// Event is one published message: Key selects the partition (typically a
// call or flow identifier so related events stay ordered).
type Event struct {
	Topic   string      `json:"topic"`
	Key     string      `json:"key"`
	Payload interface{} `json:"payload"`
}

// Handler processes one event.
type Handler func(event *Event) error

// Subscriber binds a topic to a handler.
type Subscriber struct {
	Topic   string
	Handler Handler
}

type partition struct {
	id      int
	queue   chan *Event
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler
}
