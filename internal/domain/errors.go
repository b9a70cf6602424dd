package domain

import "errors"

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidParty    = errors.New("unknown party")
	ErrForbidden       = errors.New("not a participant of this message")
	ErrMessageNotFound = errors.New("message not found")
	ErrPersistence     = errors.New("message store unavailable")
)
