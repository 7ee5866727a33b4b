package store

import "errors"

var (
	ErrTableNotFound     = errors.New("table not found")
	ErrCallNotFound      = errors.New("call not found")
	ErrMessageTooLong    = errors.New("message too long")
	ErrDuplicateCall     = errors.New("duplicate call pending")
	ErrInvalidStatus     = errors.New("invalid call status")
	ErrInvalidTransition = errors.New("invalid status transition")
)
