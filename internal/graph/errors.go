package graph

import "errors"

var (
	// ErrFrozen is returned by write operations after Freeze.
	ErrFrozen = errors.New("graph: store is frozen")

	// ErrDanglingEdge is returned when an edge endpoint is not in the store.
	ErrDanglingEdge = errors.New("graph: edge endpoint not found")

	// ErrInvalidNode matches node validation failures.
	ErrInvalidNode = errors.New("graph: invalid node")

	// ErrInvalidEdge matches edge validation failures.
	ErrInvalidEdge = errors.New("graph: invalid edge")

	// ErrUnknownBackend is returned by Open for an unrecognized backend name.
	ErrUnknownBackend = errors.New("graph: unknown backend")

	// ErrNotPersistent is returned by OpenWith when a path is given for a
	// backend that only lives in memory.
	ErrNotPersistent = errors.New("graph: backend does not persist to disk")

	// ErrNodeNotFound is returned by traversals that start from an
	// identity the store does not hold.
	ErrNodeNotFound = errors.New("graph: node not found")

	// ErrClosed is returned by stores that hold external resources once
	// Close has released them.
	ErrClosed = errors.New("graph: store is closed")
)
