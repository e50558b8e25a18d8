package websocket

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/zeusync/databox/internal/core/databox"
)

// Request actions.
const (
	ActionRegister           = "register"
	ActionUnregister         = "unregister"
	ActionFetch              = "fetch"
	ActionResetReloadSession = "resetReloadSession"
	ActionCopyReloadSession  = "copyReloadSession"
	ActionLastCudID          = "lastCudId"
)

// Server events.
const (
	EventCud     = "cud"
	EventClose   = "close"
	EventKickOut = "kickOut"
	EventReload  = "reload"
)

// errNoMoreData is the error name the server uses for an exhausted session.
const errNoMoreData = "noMoreData"

// Request is a client to server frame.
type Request struct {
	ID      string `json:"id"`
	Action  string `json:"action"`
	Databox string `json:"databox"`
	Session string `json:"session,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Response answers the request with the same id.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *RemoteError    `json:"error,omitempty"`
}

// ServerEvent is pushed by the server without a request.
type ServerEvent struct {
	Event   string          `json:"event"`
	Databox string          `json:"databox"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// inbound is the union of Response and ServerEvent used for decoding.
type inbound struct {
	Response
	Event   string          `json:"event"`
	Databox string          `json:"databox"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RemoteError is an error reported by the server.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Name, e.Message)
}

// asError maps well-known remote errors to local sentinels.
func (e *RemoteError) asError() error {
	if e.Name == errNoMoreData {
		return databox.ErrNoMoreData
	}
	return e
}

type cudPayload struct {
	CudID      string           `json:"cudId"`
	Timestamp  int64            `json:"timestamp"`
	Operations []map[string]any `json:"operations"`
}

type signalPayload struct {
	Code any `json:"code,omitempty"`
	Data any `json:"data,omitempty"`
}
