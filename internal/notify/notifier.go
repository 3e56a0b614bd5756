package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/green-horizon/pkg/mq"
)

// DefaultTimeout bounds one publication.
const DefaultTimeout = 5 * time.Second

// Notifier delivers decision events.
type Notifier interface {
	Notify(ctx context.Context, e *Event) error
}

// Config holds the MQ notifier configuration.
type Config struct {
	Logger    *slog.Logger
	Publisher mq.Publisher
	// Timeout bounds each Notify call. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// MQNotifier publishes events through an mq.Publisher.
type MQNotifier struct {
	logger    *slog.Logger
	publisher mq.Publisher
	timeout   time.Duration
}

var _ Notifier = (*MQNotifier)(nil)

// NewMQNotifier creates a notifier.
func NewMQNotifier(cfg *Config) (*MQNotifier, error) {
	if cfg == nil {
		return nil, errors.New("notify config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &MQNotifier{
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		timeout:   timeout,
	}, nil
}

// Notify encodes e and waits for the broker to confirm it.
func (n *MQNotifier) Notify(ctx context.Context, e *Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.publisher.Push(ctx, data); err != nil {
		return fmt.Errorf("failed to publish decision %d: %w", e.DecisionID, err)
	}

	n.logger.Debug("decision published", "decision_id", e.DecisionID, "action", e.Action)
	return nil
}

// Close releases the underlying publisher.
func (n *MQNotifier) Close() error {
	return n.publisher.Close()
}
