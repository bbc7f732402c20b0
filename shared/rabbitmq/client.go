package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	URL                string // full AMQP URL, overrides Host/Port/User/Password/VHost
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	DeadLetter         bool // declare <queue>-dlx/<queue>-dlq and bind primary queues to them
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// DialURL returns the AMQP URL for this configuration
func (c *Config) DialURL() string {
	if c.URL != "" {
		return c.URL
	}

	u := &url.URL{
		Scheme: "amqp",
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + strings.TrimPrefix(c.VHost, "/"),
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}

// Client owns one logical connection + channel pair and re-establishes it on demand.
//
// A Client handed to a worker.Worker belongs to that worker's owner loop and must
// not be shared with publishers.
type Client struct {
	config *Config
	dial   Dialer
	logger *slog.Logger

	mu          sync.Mutex
	conn        Connection
	channel     Channel
	closeChan   chan *amqp.Error
	isConnected bool
	closed      bool
	declared    map[string]struct{}
}

// NewClient creates a RabbitMQ client and opens its first connection
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := NewClientWithDialer(config, logger, DialAMQP)

	if _, err := client.EnsureConnected(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// NewClientWithDialer creates a client without connecting. The first call to
// EnsureConnected dials through dial.
func NewClientWithDialer(config *Config, logger *slog.Logger, dial Dialer) *Client {
	return &Client{
		config:   config,
		dial:     dial,
		logger:   logger,
		declared: make(map[string]struct{}),
	}
}

// EnsureConnected returns the live channel, opening a new connection and channel
// if none exists or the current ones have died. It is a no-op otherwise.
func (c *Client) EnsureConnected(ctx context.Context) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ensureConnectedLocked(ctx)
}

func (c *Client) ensureConnectedLocked(ctx context.Context) (Channel, error) {
	if c.closed {
		return nil, ErrNotConnected
	}

	if c.aliveLocked() {
		return c.channel, nil
	}

	if c.conn != nil {
		c.logger.Warn("RabbitMQ connection lost, reconnecting")
	}
	c.teardownLocked()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.channel, nil
}

// aliveLocked reports whether the current connection and channel are usable
func (c *Client) aliveLocked() bool {
	if !c.isConnected || c.conn == nil || c.channel == nil {
		return false
	}

	if c.conn.IsClosed() {
		c.isConnected = false
		return false
	}

	select {
	case <-c.closeChan:
		c.isConnected = false
		return false
	default:
		return true
	}
}

// connectLocked dials the broker. Attempts are a fixed count at a fixed interval;
// anything smarter is the caller's policy.
func (c *Client) connectLocked(ctx context.Context) error {
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	var (
		conn Connection
		err  error
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		conn, err = c.dial(c.config.DialURL(), amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrBrokerUnavailable, ctx.Err())
			case <-time.After(c.config.RetryInterval):
			}
		}
	}

	if err != nil {
		return fmt.Errorf("%w: failed to connect after %d attempts: %v", ErrBrokerUnavailable, attempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: failed to create channel: %v", ErrBrokerUnavailable, err)
	}

	c.conn = conn
	c.channel = ch
	c.closeChan = ch.NotifyClose(make(chan *amqp.Error, 1))
	c.declared = make(map[string]struct{})
	c.isConnected = true

	c.logger.Info("Successfully connected to RabbitMQ")
	return nil
}

func (c *Client) teardownLocked() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	c.channel = nil
	c.conn = nil
	c.closeChan = nil
	c.isConnected = false
}

// NotifyClose registers a listener for the close of the current channel.
// Returns nil when the client is not connected.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil {
		return nil
	}
	return c.channel.NotifyClose(make(chan *amqp.Error, 1))
}

// DeclareQueue declares queue (and its dead-letter pair when enabled) once per live channel
func (c *Client) DeclareQueue(ctx context.Context, queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ensureConnectedLocked(ctx)
	if err != nil {
		return err
	}
	return c.declareQueueLocked(ch, queue)
}

func (c *Client) declareQueueLocked(ch Channel, queue string) error {
	if queue == "" {
		return ErrInvalidQueueName
	}
	if _, ok := c.declared[queue]; ok {
		return nil
	}

	if c.config.DeadLetter {
		if err := EnsureDeadLetterPair(ch, queue); err != nil {
			c.isConnected = false
			return err
		}
	}

	if err := DeclarePrimaryQueue(ch, queue, c.config.DeadLetter); err != nil {
		c.isConnected = false
		return err
	}

	c.declared[queue] = struct{}{}
	c.logger.Debug("Queue declared",
		slog.String("queue", queue),
		slog.Bool("dead_letter", c.config.DeadLetter),
	)
	return nil
}

// publish declares queue and publishes msg to it through the default exchange
func (c *Client) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ensureConnectedLocked(ctx)
	if err != nil {
		return err
	}

	if err := c.declareQueueLocked(ch, queue); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		// force a fresh channel on the next call
		c.isConnected = false
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	return nil
}

// WithChannel runs fn with the live channel while holding the client lock
func (c *Client) WithChannel(ctx context.Context, fn func(ch Channel) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ensureConnectedLocked(ctx)
	if err != nil {
		return err
	}
	return fn(ch)
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Closing RabbitMQ connection")

	c.closed = true
	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
		c.channel = nil
	}

	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		if !conn.IsClosed() {
			if err := conn.Close(); err != nil {
				c.logger.Error("Failed to close RabbitMQ connection",
					slog.Any("error", err),
				)
				return err
			}
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.aliveLocked()
}
