package peerlist

import (
	"errors"
)

// These are ordinary outcomes at swarm scale, not failures of the peer list.
// Callers compare with errors.Is and drop the peer or close the connection.
var (
	// ErrStoreFull is returned when a new peer can't be stored because the
	// peer list is at capacity and eviction could not make room.
	ErrStoreFull = errors.New("peer list is full")

	// ErrDuplicatePeer is returned when a connection is rejected because the
	// peer already has a connection in a later lifecycle stage.
	ErrDuplicatePeer = errors.New("duplicate peer")

	// ErrSelfConnection is returned when a connection turns out to loop back
	// to ourselves. Both connections involved are dropped.
	ErrSelfConnection = errors.New("self connection")

	// ErrPeerBanned is returned when a banned peer connects or is dialed.
	ErrPeerBanned = errors.New("peer banned")

	// ErrPeerBlocked is returned when a peer's IP address is in the IP filter.
	ErrPeerBlocked = errors.New("peer blocked by ip filter")

	// ErrTooManyConnections is returned when both the transfer and the
	// engine are at their connection limits.
	ErrTooManyConnections = errors.New("too many connections")

	// ErrInvalidHandle is returned when a handle refers to a peer that has
	// been erased, or was never issued by this peer list.
	ErrInvalidHandle = errors.New("invalid peer handle")
)

// errorReason maps an outcome to a metrics label.
func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrStoreFull):
		return "store_full"
	case errors.Is(err, ErrDuplicatePeer):
		return "duplicate"
	case errors.Is(err, ErrSelfConnection):
		return "self"
	case errors.Is(err, ErrPeerBanned):
		return "banned"
	case errors.Is(err, ErrPeerBlocked):
		return "blocked"
	case errors.Is(err, ErrTooManyConnections):
		return "too_many"
	default:
		return "other"
	}
}
