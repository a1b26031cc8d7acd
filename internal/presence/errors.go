package presence

import "errors"

var (
	ErrNotConnected = errors.New("user is not connected")
)
