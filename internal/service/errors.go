package service

import "errors"

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("short link not found")
	ErrUnauthorized       = errors.New("principal required")
	ErrAliasTaken         = errors.New("custom alias already exists")
	ErrCodeSpaceExhausted = errors.New("short code space exhausted")
)
