// Package client provides the high-level SDK: one WebSocket connection and
// any number of databoxes replicated over it.
package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeusync/databox/internal/core/databox"
	"github.com/zeusync/databox/internal/core/databox/reload"
	"github.com/zeusync/databox/internal/core/observability/log"
	"github.com/zeusync/databox/internal/core/protocol/middlewares"
	"github.com/zeusync/databox/internal/core/protocol/websocket"
)

// Client owns the connection and the databoxes opened on it.
type Client struct {
	config   Config
	logger   log.Log
	registry *reload.Registry
	metrics  *databox.Metrics
	requests *middlewares.MetricsMiddleware

	mu       sync.Mutex
	conn     *websocket.Connection
	boxes    map[string]*databox.Databox
	channels map[string]*websocket.Channel

	closed atomic.Bool
}

// Option customizes a Client.
type Option func(*Client)

func WithLogger(logger log.Log) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRegistry replaces the reload strategy registry.
func WithRegistry(r *reload.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithMetrics registers the databox collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = databox.NewMetrics(reg)
		c.requests = middlewares.NewMetricsMiddleware(reg)
	}
}

// New creates a client. It does not connect.
func New(config Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config, err := config.Clone()
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:   config,
		boxes:    make(map[string]*databox.Databox),
		channels: make(map[string]*websocket.Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		level, _ := log.ParseLevel(config.LogLevel)
		c.logger = log.New(level)
	}
	if c.registry == nil {
		c.registry = reload.DefaultRegistry()
	}
	if c.metrics == nil {
		c.metrics = databox.NewMetrics(nil)
		c.requests = middlewares.NewMetricsMiddleware(nil)
	}
	c.logger = c.logger.With(log.String("component", "client"))
	return c, nil
}

func (c *Client) Config() Config { return c.config }

// Connect dials the server. After a lost connection it moves the databoxes
// opened earlier onto the new connection and reconnects them, which reloads
// those that missed cud packages in between.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	boxes, err := c.dial(ctx)
	if err != nil {
		return err
	}

	var first error
	for _, d := range boxes {
		if err = d.Connect(ctx); err != nil {
			c.logger.Warn("Failed to reconnect databox", log.String("databox", d.Name()), log.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (c *Client) dial(ctx context.Context) ([]*databox.Databox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		select {
		case <-c.conn.Done():
		default:
			return nil, ErrAlreadyConnected
		}
	}

	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	conn, err := websocket.Dial(ctx, c.config.websocketConfig(), c.logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect")
	}
	if err = conn.Use(c.middlewares()...); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.conn = conn

	boxes := make([]*databox.Databox, 0, len(c.boxes))
	for name, d := range c.boxes {
		conn.Attach(c.channels[name])
		boxes = append(boxes, d)
	}
	return boxes, nil
}

func (c *Client) middlewares() []websocket.Middleware {
	mws := []websocket.Middleware{
		middlewares.NewLoggingMiddleware(c.logger),
		c.requests,
	}
	if rl := c.config.RateLimit; rl.Requests > 0 {
		mws = append(mws, middlewares.NewRateLimitMiddleware(rl.Requests, rl.Window, c.logger))
	}
	return mws
}

// Databox opens the named databox and connects it. Opening the same name
// twice returns the same instance.
func (c *Client) Databox(ctx context.Context, name string) (*databox.Databox, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	d, ok := c.boxes[name]
	if !ok {
		ch := c.conn.Databox(name)
		var err error
		d, err = databox.New(databox.Options{
			Name:            name,
			Transport:       ch,
			Registry:        c.registry,
			Strategy:        c.config.Reload.Strategy,
			StrategyOptions: c.config.Reload.Options,
			ParallelFetch:   c.config.ParallelFetch,
			CombineSeqEdits: c.config.CombineSeqEdits,
			Logger:          c.logger,
			Metrics:         c.metrics,
		})
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.boxes[name] = d
		c.channels[name] = ch
	}
	c.mu.Unlock()

	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Close disconnects every databox and closes the connection.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	boxes := make([]*databox.Databox, 0, len(c.boxes))
	for _, d := range c.boxes {
		boxes = append(boxes, d)
	}
	conn := c.conn
	c.mu.Unlock()

	var first error
	for _, d := range boxes {
		if err := d.Close(ctx); err != nil {
			c.logger.Warn("Failed to close databox", log.String("databox", d.Name()), log.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.logger.Info("Client closed")
	return first
}
