package mq

import (
	"context"
)

// Publisher is the subset of Client the engine depends on.
type Publisher interface {
	// Push publishes data and waits for the broker confirm.
	Push(ctx context.Context, data []byte) error

	// Close shuts down the connection.
	Close() error
}
