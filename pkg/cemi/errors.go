package cemi

import "errors"

// Framing errors.
var (
	ErrFrameTooShort = errors.New("cemi: frame too short")
	ErrInvalidFrame  = errors.New("cemi: invalid frame")
	ErrInvalidAddr   = errors.New("cemi: invalid address")
)
