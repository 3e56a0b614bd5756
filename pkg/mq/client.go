// Package mq provides a RabbitMQ publisher with automatic reconnection and
// publisher confirms.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/green-horizon/pkg/metrics"
)

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2

	// DefaultMaxAttempts bounds Push before it gives up.
	DefaultMaxAttempts = 5
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNack               = errors.New("message not acknowledged by the server")
)

// Config holds the publisher configuration.
type Config struct {
	Logger *slog.Logger
	URL    string
	Queue  string
	// Durable declares a durable queue and publishes persistent messages.
	Durable bool
	// ContentType is set on every message. Defaults to application/octet-stream.
	ContentType string
	// MaxAttempts bounds Push. Defaults to DefaultMaxAttempts.
	MaxAttempts int
	// Metrics is optional.
	Metrics *metrics.MQMetrics
}

// Client publishes to a single queue. It reconnects in the background and
// waits for broker confirms on Push.
type Client struct {
	m               *sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queue           string
	contentType     string
	durable         bool
	maxAttempts     int
	isReady         bool
	metrics         *metrics.MQMetrics
}

var _ Publisher = (*Client)(nil)

// New validates cfg and starts connecting in the background.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mq config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.Queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	client := &Client{
		m:           &sync.Mutex{},
		logger:      cfg.Logger.With(slog.String("queue", cfg.Queue)),
		done:        make(chan bool),
		queue:       cfg.Queue,
		contentType: contentType,
		durable:     cfg.Durable,
		maxAttempts: maxAttempts,
		metrics:     cfg.Metrics,
	}
	go client.handleReconnect(cfg.URL)
	return client, nil
}

// Ready reports whether the channel is usable.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	client.m.Unlock()

	if client.metrics != nil {
		if ready {
			client.metrics.BrokerUp.Set(1)
		} else {
			client.metrics.BrokerUp.Set(0)
		}
	}
}

// handleReconnect waits for a connection error on notifyConnClose and then
// keeps dialing until it succeeds or the client is closed.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.Reconnects.Inc()
		}

		conn, err := amqp.Dial(addr)
		if err != nil {
			client.logger.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		client.changeConnection(conn)
		client.logger.Info("connected")

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

// handleReInit waits for a channel error and re-initializes the channel.
// It returns true when the client is closed.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init...")
		}
	}
}

// init opens a confirm-mode channel and declares the queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		client.queue,
		client.durable, // Durable
		false,          // Delete when unused
		false,          // Exclusive
		false,          // No-wait
		nil,            // Arguments
	)
	if err != nil {
		return err
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.logger.Info("client init done")

	return nil
}

func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Push publishes data and waits for the broker confirm. While disconnected,
// or after a failed publish or a nack, it retries with exponential backoff up
// to the configured number of attempts.
func (client *Client) Push(ctx context.Context, data []byte) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.ConfirmLatency)
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= client.maxAttempts {
			client.logger.Error("maximum retry attempts exceeded", "attempts", attempt)
			client.countFailure("max_retries_exceeded")
			return errMaxRetriesExceeded
		}

		err := client.pushOnce(ctx, data)
		if err == nil {
			if client.metrics != nil {
				client.metrics.Published.WithLabelValues(client.queue).Inc()
				client.metrics.PublishAttempts.Observe(float64(attempt + 1))
			}
			client.logger.Debug("push confirmed", "attempt", attempt)
			return nil
		}

		if ctx.Err() != nil {
			client.countFailure("context_canceled")
			return ctx.Err()
		}

		client.logger.Warn("push failed, retrying with backoff",
			"error", err,
			"backoff", backoff,
			"attempt", attempt,
		)

		select {
		case <-ctx.Done():
			client.countFailure("context_canceled")
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
		}

		backoff *= backoffMultiplier
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (client *Client) pushOnce(ctx context.Context, data []byte) error {
	if err := client.UnsafePush(ctx, data); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case confirm := <-client.notifyConfirm:
		if !confirm.Ack {
			return errNack
		}
		return nil
	}
}

// UnsafePush publishes without waiting for a confirm.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	if !client.Ready() {
		return errNotConnected
	}

	mode := amqp.Transient
	if client.durable {
		mode = amqp.Persistent
	}

	return client.channel.PublishWithContext(
		ctx,
		"",           // Exchange
		client.queue, // Routing key
		false,        // Mandatory
		false,        // Immediate
		amqp.Publishing{
			ContentType:  client.contentType,
			DeliveryMode: mode,
			Timestamp:    time.Now().UTC(),
			Body:         data,
		},
	)
}

func (client *Client) countFailure(reason string) {
	if client.metrics != nil {
		client.metrics.PublishFailures.WithLabelValues(client.queue, reason).Inc()
	}
}

// Close stops reconnecting and shuts down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	select {
	case <-client.done:
		return errAlreadyClosed
	default:
	}
	close(client.done)

	if !client.isReady {
		return nil
	}
	client.isReady = false

	if client.metrics != nil {
		client.metrics.BrokerUp.Set(0)
	}

	if err := client.channel.Close(); err != nil {
		return err
	}
	return client.connection.Close()
}
