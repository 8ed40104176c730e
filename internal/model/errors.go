package model

import (
	"errors"
)

var (
	ErrUnknownService  = errors.New("unknown service")
	ErrPortCollision   = errors.New("port collision")
	ErrInvalidPoolSize = errors.New("invalid pool size")
	ErrUnsupported     = errors.New("unsupported value")

	ErrNonPositiveDuration = errors.New("duration must be positive")
)
