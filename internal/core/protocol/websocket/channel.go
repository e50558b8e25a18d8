package websocket

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/zeusync/databox/internal/core/databox"
	"github.com/zeusync/databox/internal/core/databox/storage"
	"github.com/zeusync/databox/internal/core/observability/log"
)

var _ databox.Transport = (*Channel)(nil)

// Channel is the transport of one databox over a shared Connection. It can
// be moved to a new connection with Connection.Attach after the old one was
// lost, so the databox on top keeps its state across reconnects.
//
// Events are handed to the handler from a per-channel goroutine in arrival
// order, so a handler may issue requests on the same connection.
type Channel struct {
	name string

	mu      sync.RWMutex
	conn    *Connection
	handler databox.Handler

	queueMu  sync.Mutex
	queue    []queued
	draining bool
}

type queued struct {
	ev ServerEvent
	// lost is closed once the disconnect was handled
	lost chan struct{}
}

func newChannel(name string, conn *Connection) *Channel {
	return &Channel{name: name, conn: conn}
}

func (ch *Channel) Name() string { return ch.name }

func (ch *Channel) connection() *Connection {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.conn
}

func (ch *Channel) bind(conn *Connection) {
	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()
}

func (ch *Channel) Register(ctx context.Context) (databox.Registration, error) {
	var reg databox.Registration
	err := ch.call(ctx, ActionRegister, "", nil, &reg)
	return reg, err
}

func (ch *Channel) Unregister(ctx context.Context) error {
	return ch.call(ctx, ActionUnregister, "", nil, nil)
}

func (ch *Channel) Fetch(ctx context.Context, session databox.Session, input any) (databox.FetchResponse, error) {
	var resp databox.FetchResponse
	err := ch.call(ctx, ActionFetch, string(session), map[string]any{"input": input}, &resp)
	return resp, err
}

func (ch *Channel) ResetReloadSession(ctx context.Context) error {
	return ch.call(ctx, ActionResetReloadSession, string(databox.SessionReload), nil, nil)
}

func (ch *Channel) CopyReloadSession(ctx context.Context) error {
	return ch.call(ctx, ActionCopyReloadSession, string(databox.SessionReload), nil, nil)
}

func (ch *Channel) LastCudID(ctx context.Context) (string, error) {
	var out struct {
		CudID string `json:"cudId"`
	}
	err := ch.call(ctx, ActionLastCudID, "", nil, &out)
	return out.CudID, err
}

// Listen routes the events of this databox to h until stop is called.
func (ch *Channel) Listen(h databox.Handler) func() {
	ch.mu.Lock()
	ch.handler = h
	ch.mu.Unlock()
	return func() {
		ch.mu.Lock()
		if ch.handler == h {
			ch.handler = nil
		}
		ch.mu.Unlock()
	}
}

func (ch *Channel) call(ctx context.Context, action, session string, payload, out any) error {
	resp, err := ch.connection().request(ctx, Request{
		Action:  action,
		Databox: ch.name,
		Session: session,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err = json.Unmarshal(resp.Data, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", action)
	}
	return nil
}

func (ch *Channel) current() databox.Handler {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.handler
}

// enqueue schedules item for delivery after everything queued before it.
func (ch *Channel) enqueue(item queued) {
	ch.queueMu.Lock()
	ch.queue = append(ch.queue, item)
	if ch.draining {
		ch.queueMu.Unlock()
		return
	}
	ch.draining = true
	ch.queueMu.Unlock()
	go ch.drain()
}

func (ch *Channel) drain() {
	for {
		ch.queueMu.Lock()
		if len(ch.queue) == 0 {
			ch.draining = false
			ch.queueMu.Unlock()
			return
		}
		item := ch.queue[0]
		ch.queue[0] = queued{}
		ch.queue = ch.queue[1:]
		ch.queueMu.Unlock()

		if item.lost != nil {
			if h := ch.current(); h != nil {
				h.HandleSignal(databox.SignalDisconnect, databox.Signal{})
			}
			close(item.lost)
			continue
		}
		ch.deliver(item.ev)
	}
}

func (ch *Channel) deliver(ev ServerEvent) {
	h := ch.current()
	if h == nil {
		return
	}
	logger := ch.connection().logger.With(log.String("databox", ch.name), log.String("event", ev.Event))

	if ev.Event == EventCud {
		pkg, err := decodeCud(ev.Payload, logger)
		if err != nil {
			logger.Warn("Dropping malformed cud package", log.Error(err))
			return
		}
		h.HandleCud(pkg)
		return
	}

	var kind databox.SignalKind
	switch ev.Event {
	case EventClose:
		kind = databox.SignalClose
	case EventKickOut:
		kind = databox.SignalKickOut
	case EventReload:
		kind = databox.SignalReload
	default:
		logger.Debug("Unknown server event")
		return
	}
	var sig signalPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &sig); err != nil {
			logger.Warn("Dropping malformed signal", log.Error(err))
			return
		}
	}
	h.HandleSignal(kind, databox.Signal{Code: sig.Code, Data: sig.Data})
}

// lost reports the loss of conn after the events queued before it, unless
// the channel already moved on to another connection. The returned channel
// is closed once the handler saw the disconnect.
func (ch *Channel) lost(conn *Connection) <-chan struct{} {
	if ch.connection() != conn {
		return nil
	}
	handled := make(chan struct{})
	ch.enqueue(queued{lost: handled})
	return handled
}

// decodeCud parses a cud payload. Operations that cannot be parsed are
// skipped so the rest of the package still applies.
func decodeCud(raw json.RawMessage, logger log.Log) (databox.CudPackage, error) {
	var p cudPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return databox.CudPackage{}, err
	}
	pkg := databox.CudPackage{
		CudID:      p.CudID,
		Timestamp:  p.Timestamp,
		Operations: make([]storage.Operation, 0, len(p.Operations)),
	}
	for i, rawOp := range p.Operations {
		op, err := storage.ParseOperation(rawOp, p.Timestamp)
		if err != nil {
			logger.Warn("Skipping invalid cud operation", log.Int("index", i), log.Error(err))
			continue
		}
		pkg.Operations = append(pkg.Operations, op)
	}
	return pkg, nil
}
