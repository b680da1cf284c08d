package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("invalid input")
	ErrTurnInFlight = errors.New("turn already in flight")
	ErrUpstream     = errors.New("upstream failure")
	ErrConflict     = errors.New("conflicting update")
)
