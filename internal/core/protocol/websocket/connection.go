// Package websocket implements the databox transport over a single
// WebSocket connection shared by any number of databoxes.
package websocket

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/databox/internal/core/observability/log"
	"github.com/zeusync/databox/pkg/generic"
)

// Connection is a client WebSocket connection. Requests are matched to
// responses by id; server events are routed to the channel of their
// databox in arrival order.
type Connection struct {
	cfg    Config
	conn   *websocket.Conn
	logger log.Log

	mu       sync.Mutex
	pending  map[string]chan Response
	channels map[string]*Channel

	mwMu        sync.RWMutex
	middlewares []Middleware

	// writeMu serializes writes, gorilla allows one concurrent writer
	writeMu sync.Mutex
	buffers *generic.Pool[*bytes.Buffer]
	closed  atomic.Bool
	// done is closed when the socket is gone, gone once listeners were told
	done chan struct{}
	gone chan struct{}

	requestsSent   atomic.Uint64
	eventsReceived atomic.Uint64
}

// Stats are counters of one connection.
type Stats struct {
	RequestsSent   uint64
	EventsReceived uint64
}

// Dial connects to cfg.URL, retrying with exponential backoff until the
// retry budget or ctx runs out.
func Dial(ctx context.Context, cfg Config, logger log.Log) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNop()
	}
	logger = logger.With(log.String("protocol", "websocket"), log.String("url", cfg.URL))

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}

	b := backoff.NewExponentialBackOff()
	if cfg.DialInitialInterval > 0 {
		b.InitialInterval = cfg.DialInitialInterval
	}
	if cfg.DialMaxInterval > 0 {
		b.MaxInterval = cfg.DialMaxInterval
	}
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	attempt := 0
	dial := func() error {
		attempt++
		c, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logger.Debug("Dial failed", log.Int("attempt", attempt), log.Error(err))
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.DialRetries)), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, errors.Wrap(err, "failed to dial websocket")
	}

	c := newConnection(conn, cfg, logger)
	logger.Info("WebSocket connected", log.Int("attempts", attempt))
	return c, nil
}

func newConnection(conn *websocket.Conn, cfg Config, logger log.Log) *Connection {
	c := &Connection{
		cfg:      cfg,
		conn:     conn,
		logger:   logger,
		pending:  make(map[string]chan Response),
		channels: make(map[string]*Channel),
		done:     make(chan struct{}),
		gone:     make(chan struct{}),
		buffers:  generic.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset),
	}
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	go c.readLoop()
	if cfg.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

// Databox returns the transport channel of the named databox.
func (c *Connection) Databox(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	if !ok {
		ch = newChannel(name, c)
		c.channels[name] = ch
	}
	return ch
}

// Attach moves ch, usually taken from a lost connection, onto c. It replaces
// any channel c already had for the same databox.
func (c *Connection) Attach(ch *Channel) {
	c.mu.Lock()
	c.channels[ch.name] = ch
	c.mu.Unlock()
	ch.bind(c)
}

// Done is closed when the connection is gone and every listening databox
// has handled the disconnect.
func (c *Connection) Done() <-chan struct{} {
	return c.gone
}

func (c *Connection) Stats() Stats {
	return Stats{
		RequestsSent:   c.requestsSent.Load(),
		EventsReceived: c.eventsReceived.Load(),
	}
}

// Close closes the connection. Pending requests fail with
// ErrConnectionClosed.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Connection) request(ctx context.Context, req Request) (Response, error) {
	if c.closed.Load() {
		return Response{}, ErrConnectionClosed
	}
	if _, ok := ctx.Deadline(); !ok && c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	req.ID = uuid.NewString()
	mws := c.chain()
	for _, mw := range mws {
		if err := mw.BeforeRequest(ctx, &req); err != nil {
			return Response{}, errors.Wrapf(err, "middleware %s rejected %s", mw.Name(), req.Action)
		}
	}

	start := time.Now()
	resp, err := c.roundTrip(ctx, req)
	elapsed := time.Since(start)
	for _, mw := range mws {
		mw.AfterRequest(ctx, req, resp, err, elapsed)
	}
	return resp, err
}

func (c *Connection) roundTrip(ctx context.Context, req Request) (Response, error) {
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return Response{}, err
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.Error == nil {
				return resp, errors.Errorf("request %s failed", req.Action)
			}
			return resp, resp.Error.asError()
		}
		return resp, nil
	case <-c.done:
		return Response{}, ErrConnectionClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Connection) write(v any) error {
	buf := c.buffers.Get()
	defer c.buffers.Put(buf)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(buf.Bytes(), "\n")); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	c.requestsSent.Add(1)
	return nil
}

func (c *Connection) readLoop() {
	defer c.shutdown()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("WebSocket read failed", log.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var in inbound
		if err = json.Unmarshal(data, &in); err != nil {
			c.logger.Warn("Dropping malformed frame", log.Error(err))
			continue
		}
		if in.Event != "" {
			c.eventsReceived.Add(1)
			c.dispatch(ServerEvent{Event: in.Event, Databox: in.Databox, Payload: in.Payload})
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[in.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Response without pending request", log.String("id", in.ID))
			continue
		}
		ch <- in.Response
	}
}

func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PingInterval/2))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("Ping failed", log.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) dispatch(ev ServerEvent) {
	c.mu.Lock()
	ch, ok := c.channels[ev.Databox]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Event for unknown databox", log.String("databox", ev.Databox), log.String("event", ev.Event))
		return
	}
	ch.enqueue(queued{ev: ev})
}

// shutdown runs once the read loop ends and tells every listening databox.
func (c *Connection) shutdown() {
	c.closed.Store(true)
	_ = c.conn.Close()
	close(c.done)

	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		if handled := ch.lost(c); handled != nil {
			<-handled
		}
	}
	c.logger.Info("WebSocket disconnected")
	close(c.gone)
}
