package transport

import "errors"

// ErrAckTimeout is returned when no acknowledgement is received before the timeout.
var ErrAckTimeout = errors.New("timeout waiting for ack")

// ErrNotConnected is returned when the transport has no live connection.
var ErrNotConnected = errors.New("transport not connected")
