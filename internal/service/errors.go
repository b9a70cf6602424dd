package service

import "errors"

var (
	ErrEmptyPlaintext   = errors.New("empty message")
	ErrPlaintextTooLong = errors.New("message too long")
	ErrSelfMessage      = errors.New("cannot send to self")
)
