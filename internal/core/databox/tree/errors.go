package tree

import "errors"

var (
	ErrInvalidSelector  = errors.New("invalid selector")
	ErrInvalidCondition = errors.New("invalid condition")
)
