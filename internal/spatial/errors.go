package spatial

import "errors"

var (
	ErrCycleDetected = errors.New("cycle detected in parent chain")
	ErrUnknownParent = errors.New("unknown parent")
	ErrInvalidBody   = errors.New("invalid body")
	ErrBodyNotFound  = errors.New("body not found")
)
