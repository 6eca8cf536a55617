// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/broker"
	"github.com/glimte/mmate-bus/events"
	"github.com/glimte/mmate-bus/topology"
)

// Client provides the main entry point for mmate-bus. It owns an in-process
// broker with a topology applied, the todo event producer and the
// subscriptions made through it.
type Client struct {
	broker     *broker.Broker
	producer   *events.TodoEventProducer
	topology   topology.Topology
	logger     *slog.Logger
	maxRetries int
}

// NewClient creates a client with the default todo topology
func NewClient() (*Client, error) {
	return NewClientWithOptions(WithDefaultLogger())
}

// NewClientWithOptions creates a client with options
func NewClientWithOptions(options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:     slog.Default(),
		topology:   topology.TodoTopology(),
		maxRetries: broker.DefaultMaxRetries,
	}

	for _, opt := range options {
		opt(cfg)
	}

	brokerOpts := []broker.Option{
		broker.WithLogger(cfg.logger),
		broker.WithDefaultMaxRetries(cfg.maxRetries),
	}
	if cfg.metrics != nil {
		brokerOpts = append(brokerOpts, broker.WithMetrics(cfg.metrics))
	}
	if cfg.now != nil {
		brokerOpts = append(brokerOpts, broker.WithClock(cfg.now))
	}
	if cfg.onReturn != nil {
		brokerOpts = append(brokerOpts, broker.WithReturnHandler(cfg.onReturn))
	}

	if err := cfg.topology.Validate(); err != nil {
		return nil, err
	}

	b := broker.New(brokerOpts...)
	if err := cfg.topology.Apply(b); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to apply topology: %w", err)
	}

	cfg.logger.Info("Bus client ready",
		"exchanges", len(cfg.topology.Exchanges),
		"queues", len(cfg.topology.Queues),
		"bindings", len(cfg.topology.Bindings),
	)

	return &Client{
		broker:     b,
		producer:   events.NewTodoEventProducer(b, events.WithProducerLogger(cfg.logger)),
		topology:   cfg.topology,
		logger:     cfg.logger,
		maxRetries: cfg.maxRetries,
	}, nil
}

// Broker returns the underlying broker
func (c *Client) Broker() *broker.Broker {
	return c.broker
}

// Producer returns the todo event producer
func (c *Client) Producer() *events.TodoEventProducer {
	return c.producer
}

// Topology returns the topology applied at construction
func (c *Client) Topology() topology.Topology {
	return c.topology
}

// Subscribe attaches handler to queue through a TodoEventConsumer
func (c *Client) Subscribe(ctx context.Context, queue string, handler events.Handler) (*broker.Dispatcher, error) {
	consumer := events.NewTodoEventConsumer(handler,
		events.WithConsumerLogger(c.logger),
		events.WithMaxRetries(c.maxRetries),
	)
	d, err := c.broker.Subscribe(ctx, queue, consumer)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", queue, err)
	}
	return d, nil
}

// Close closes all resources
func (c *Client) Close() error {
	return c.broker.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	topology   topology.Topology
	metrics    broker.MetricsCollector
	maxRetries int
	now        func() time.Time
	onReturn   broker.ReturnHandler
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithTopology replaces the default todo topology
func WithTopology(t topology.Topology) ClientOption {
	return func(cfg *clientConfig) {
		cfg.topology = t
	}
}

// WithMetrics sets the broker metrics collector
func WithMetrics(metrics broker.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithMaxRetries sets how many times a failed event is requeued before it
// is dead-lettered. Negative means unbounded.
func WithMaxRetries(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxRetries = n
	}
}

// WithClock sets the time source used for TTL expiry
func WithClock(now func() time.Time) ClientOption {
	return func(cfg *clientConfig) {
		cfg.now = now
	}
}

// WithReturnHandler is called for every publish that matched no binding
func WithReturnHandler(handler broker.ReturnHandler) ClientOption {
	return func(cfg *clientConfig) {
		cfg.onReturn = handler
	}
}
