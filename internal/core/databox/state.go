package databox

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/zeusync/databox/internal/core/observability/log"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const (
	eventConnect    = "connect"
	eventRegistered = "registered"
	eventFail       = "fail"
	eventDrop       = "drop"
)

func newStateMachine(logger log.Log) *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventRegistered, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventFail, Src: []string{StateConnecting}, Dst: StateDisconnected},
			{Name: eventDrop, Src: []string{StateConnecting, StateConnected}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("Databox state changed",
					log.String("from", e.Src),
					log.String("to", e.Dst),
					log.String("event", e.Event))
			},
		},
	)
}

// transition fires a state event. Transitions are not tied to a caller's
// context so an abandoned call cannot leave the machine half way.
func (d *Databox) transition(event string) error {
	return d.state.Event(context.Background(), event)
}

// State returns the current connection state.
func (d *Databox) State() string {
	return d.state.Current()
}

func (d *Databox) IsConnected() bool {
	return d.state.Is(StateConnected)
}
