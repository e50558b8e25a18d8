package storage

import "github.com/pkg/errors"

var (
	ErrUnknownOperation = errors.New("unknown cud operation type")
	ErrInvalidOperation = errors.New("invalid cud operation")
)
