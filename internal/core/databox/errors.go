package databox

import "errors"

var (
	ErrNotConnected    = errors.New("databox is not connected")
	ErrConnecting      = errors.New("databox connect already in progress")
	ErrNoMoreData      = errors.New("no more data")
	ErrNilTransport    = errors.New("databox has no transport")
	ErrStorageAttached = errors.New("storage is already attached")
)
