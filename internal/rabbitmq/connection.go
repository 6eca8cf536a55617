package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/glimte/mmate-bus/topology"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connector dials RabbitMQ, retrying with exponential backoff
type Connector struct {
	url            string
	connectTimeout time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger
	dial           func(url string) (*amqp.Connection, error)
}

// ConnectionOption configures the Connector
type ConnectionOption func(*Connector)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connector) {
		c.logger = logger
	}
}

// WithConnectTimeout bounds a single dial attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connector) {
		c.connectTimeout = timeout
	}
}

// WithReconnectDelay sets the base delay between attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(c *Connector) {
		c.reconnectDelay = delay
	}
}

// WithMaxRetries sets how many attempts follow a failed first dial
func WithMaxRetries(retries int) ConnectionOption {
	return func(c *Connector) {
		c.maxRetries = retries
	}
}

// NewConnector creates a connector for url
func NewConnector(url string, options ...ConnectionOption) *Connector {
	c := &Connector{
		url:            url,
		connectTimeout: 30 * time.Second,
		reconnectDelay: time.Second,
		maxRetries:     3,
		logger:         slog.Default(),
		dial:           amqp.Dial,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Connect dials until a connection is established, the retries are spent
// or ctx is done
func (c *Connector) Connect(ctx context.Context) (*amqp.Connection, error) {
	if c.url == "" {
		return nil, &ConnectionError{Op: "connect", Err: ErrInvalidConfiguration, Timestamp: time.Now()}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt - 1)
			c.logger.Warn("retrying RabbitMQ connection",
				"url", SanitizeURL(c.url),
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr)

			select {
			case <-ctx.Done():
				return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(c.url), Err: ctx.Err(), Timestamp: time.Now(), Attempts: attempt}
			case <-time.After(delay):
			}
		}

		conn, err := c.dialOnce(ctx)
		if err == nil {
			c.logger.Info("connected to RabbitMQ", "url", SanitizeURL(c.url), "attempts", attempt+1)
			return conn, nil
		}
		lastErr = err
	}

	return nil, &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(c.url),
		Err:       errors.Join(ErrMaxRetriesExceeded, lastErr),
		Timestamp: time.Now(),
		Attempts:  c.maxRetries + 1,
	}
}

// Declare connects, declares t on a fresh channel and disconnects
func (c *Connector) Declare(ctx context.Context, t topology.Topology) error {
	conn, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return &ConnectionError{Op: "open channel", URL: SanitizeURL(c.url), Err: err, Timestamp: time.Now()}
	}
	defer ch.Close()

	declarations := FromTopology(t)
	if err := DeclareTopology(ctx, ch, declarations); err != nil {
		return err
	}

	c.logger.Info("declared topology on RabbitMQ",
		"exchanges", len(declarations.Exchanges),
		"queues", len(declarations.Queues),
		"bindings", len(declarations.Bindings))
	return nil
}

func (c *Connector) dialOnce(ctx context.Context) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := c.dial(c.url)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-connCtx.Done():
		// close a connection that arrives after we gave up on it
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// calculateBackoff returns the delay before retry number attempt (0-based),
// doubling from the base delay with ±25% jitter, capped at one minute
func (c *Connector) calculateBackoff(attempt int) time.Duration {
	base := c.reconnectDelay
	if base <= 0 {
		base = time.Second
	}

	const maxDelay = time.Minute
	delay := base << uint(min(attempt, 16))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := int64(delay) / 4
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(2*jitter) - jitter)
	}
	return delay
}
