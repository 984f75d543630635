package node

import "errors"

var (
	// ErrEmptyNodeID is returned when a node is created without an id
	ErrEmptyNodeID = errors.New("node: id cannot be empty")

	// ErrConnectionClosed fails pending calls when the connection layer
	// reports the connection closed
	ErrConnectionClosed = errors.New("node: connection closed")

	// ErrRequestDelivered marks a failed invoke whose request the broker
	// had already accepted. The remote method may have run.
	ErrRequestDelivered = errors.New("node: request reached the broker")

	// ErrNodeClosed is returned by operations on a closed node
	ErrNodeClosed = errors.New("node: closed")

	// ErrDuplicateCall is returned when registering an id that is already pending
	ErrDuplicateCall = errors.New("node: duplicate pending call")

	// ErrUnsupportedTransport is returned by every operation of a Missing node
	ErrUnsupportedTransport = errors.New("node: unsupported transport")
)
