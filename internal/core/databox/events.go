package databox

import (
	"time"

	"github.com/zeusync/databox/internal/core/events/bus"
	"github.com/zeusync/databox/internal/core/observability/log"
)

// Databox level events.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventKickOut    = "kickOut"
	EventClose      = "close"
	EventReload     = "reload"
	EventCud        = "cud"
	EventNewData    = "newData"
)

// ConnectInfo is the payload of the connect event.
type ConnectInfo struct {
	CudID     string
	Reconnect bool
}

// ReloadInfo is the payload of the reload event.
type ReloadInfo struct {
	Snapshots int
	Missed    int
	Duration  time.Duration
}

// NewData is the payload of the newData event.
type NewData struct {
	Counter int64
	Input   any
	Data    any
}

func (d *Databox) OnConnect(fn func(ConnectInfo)) (bus.Subscription, error) {
	return subscribe(d.bus, EventConnect, fn)
}

func (d *Databox) OnDisconnect(fn func(time.Time)) (bus.Subscription, error) {
	return subscribe(d.bus, EventDisconnect, fn)
}

func (d *Databox) OnKickOut(fn func(Signal)) (bus.Subscription, error) {
	return subscribe(d.bus, EventKickOut, fn)
}

func (d *Databox) OnClose(fn func(Signal)) (bus.Subscription, error) {
	return subscribe(d.bus, EventClose, fn)
}

func (d *Databox) OnReload(fn func(ReloadInfo)) (bus.Subscription, error) {
	return subscribe(d.bus, EventReload, fn)
}

func (d *Databox) OnCud(fn func(CudPackage)) (bus.Subscription, error) {
	return subscribe(d.bus, EventCud, fn)
}

func (d *Databox) OnNewData(fn func(NewData)) (bus.Subscription, error) {
	return subscribe(d.bus, EventNewData, fn)
}

// Off cancels a subscription returned by one of the On methods.
func (d *Databox) Off(sub bus.Subscription) error {
	return d.bus.Unsubscribe(sub)
}

func subscribe[T any](b bus.EventBus, typ string, fn func(T)) (bus.Subscription, error) {
	if fn == nil {
		return nil, bus.ErrNilHandler
	}
	return b.Subscribe(typ, func(e bus.Event) error {
		if v, ok := e.Data().(T); ok {
			fn(v)
		}
		return nil
	})
}

func (d *Databox) publish(typ string, data any) {
	if err := d.bus.Publish(bus.NewEvent(typ, d.name, data, nil)); err != nil {
		d.logger.Warn("Databox listener failed", log.String("event", typ), log.Error(err))
	}
}
