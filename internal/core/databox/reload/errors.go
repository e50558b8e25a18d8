package reload

import "errors"

var (
	ErrUnknownStrategy = errors.New("unknown reload strategy")
	ErrInvalidOption   = errors.New("invalid reload strategy option")
	ErrNoFetch         = errors.New("reload context has no fetch function")
)
