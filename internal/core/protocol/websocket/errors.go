package websocket

import "errors"

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrInvalidConfig    = errors.New("invalid websocket configuration")
)
