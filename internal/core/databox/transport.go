package databox

import (
	"context"

	"github.com/zeusync/databox/internal/core/databox/storage"
)

// Session selects the server-side fetch session.
type Session string

const (
	SessionMain   Session = "main"
	SessionReload Session = "reload"
)

// Registration is the server's answer to Register.
type Registration struct {
	// CudID is the id of the last cud package the server sent.
	CudID string `json:"cudId"`
	// Strategy names the reload strategy the server wants the client to use.
	Strategy        string         `json:"strategy,omitempty"`
	StrategyOptions map[string]any `json:"strategyOptions,omitempty"`
	ParallelFetch   bool           `json:"parallelFetch,omitempty"`
}

// FetchResponse is the answer to one fetch.
type FetchResponse struct {
	Counter int64 `json:"counter"`
	Data    any   `json:"data"`
}

// CudPackage is a batch of operations pushed by the server.
type CudPackage struct {
	CudID      string
	Timestamp  int64
	Operations []storage.Operation
}

// Signal is an out-of-band notification carrying an optional code and data.
type Signal = storage.Signal

// SignalKind tells which out-of-band notification arrived.
type SignalKind uint8

const (
	SignalClose SignalKind = iota + 1
	SignalKickOut
	SignalReload
	// SignalDisconnect reports that the transport lost its connection.
	SignalDisconnect
)

func (k SignalKind) String() string {
	switch k {
	case SignalClose:
		return "close"
	case SignalKickOut:
		return "kickOut"
	case SignalReload:
		return "reload"
	case SignalDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Handler receives the server push stream of one databox.
type Handler interface {
	HandleCud(pkg CudPackage)
	HandleSignal(kind SignalKind, sig Signal)
}

// Transport is the request/response channel of one databox. Fetch returns
// ErrNoMoreData when the session is exhausted.
type Transport interface {
	Register(ctx context.Context) (Registration, error)
	Unregister(ctx context.Context) error
	Fetch(ctx context.Context, session Session, input any) (FetchResponse, error)
	ResetReloadSession(ctx context.Context) error
	CopyReloadSession(ctx context.Context) error
	LastCudID(ctx context.Context) (string, error)
	// Listen routes pushed packages and signals to h until stop is called.
	Listen(h Handler) (stop func())
}
