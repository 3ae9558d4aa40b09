package vsock

import "errors"

var (
	ErrClosed   = errors.New("vsock connection closed")
	ErrProtocol = errors.New("vsock protocol violation")
)
