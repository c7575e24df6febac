package framework

import (
	"context"
)

// Named is an abstraction for things with a name.
type Named interface {
	Name() string
}

// Runnable defines a generic interface for background runners.
type Runnable interface {
	Run(context.Context) error
}

// Message defines the abstract message to be
// consumed by a Queue.
type Message interface{}

// MessageHandler processes a message.
type MessageHandler interface {
	HandleMessage(context.Context, Message)
}

// HandleMessageFunc is the func form of MessageHandler.
type HandleMessageFunc func(context.Context, Message)

// HandleMessage implements MessageHandler.
func (f HandleMessageFunc) HandleMessage(ctx context.Context, msg Message) {
	f(ctx, msg)
}

// RunnableFunc is the func form of Runnable.
type RunnableFunc func(context.Context) error

// Run implements Runnable.
func (f RunnableFunc) Run(ctx context.Context) error {
	return f(ctx)
}
