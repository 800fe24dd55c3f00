package pkg

import "errors"

var (
	// ErrShutdown is returned when an operation is attempted after shutdown
	ErrShutdown = errors.New("network shut down")

	// ErrNotConnected is returned when no connection exists for a peer
	ErrNotConnected = errors.New("peer not connected")

	// ErrDuplicateConnection is returned when a connection already exists
	// for a peer in the same direction
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedFrame is returned when a frame fails to parse
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrInsecureConnection is returned when a message that requires an
	// established connection is sent on one that is still identifying
	ErrInsecureConnection = errors.New("connection not yet established")
)
