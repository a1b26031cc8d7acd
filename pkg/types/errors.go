package types

import "errors"

var (
	ErrInvalidID      = errors.New("identifiers must be 1-64 characters, alphanumeric plus underscore/hyphen")
	ErrEmptyMessage   = errors.New("message text cannot be empty")
	ErrMessageTooLong = errors.New("message text exceeds length limit")
)
