package torrent

import (
	"errors"
	"fmt"

	requestStrategy "github.com/peerforge/torrent/request-strategy"
)

var (
	ErrResumeMismatch   = errors.New("resume data does not match torrent")
	ErrNoMetadata       = errors.New("torrent metadata not available")
	ErrNotHashChecked   = errors.New("torrent has not been hash checked")
	ErrPrivateTorrent   = errors.New("cannot add external peers to a private torrent")
	ErrEngineClosed     = errors.New("engine closed")
	ErrTorrentExists    = errors.New("torrent already added")
	ErrUnknownTorrent   = errors.New("unknown torrent")
	ErrInfoHashMismatch = errors.New("info bytes don't match infohash")
	ErrTorrentRemoved   = errors.New("torrent removed from engine")
	ErrBadPieceCount    = errors.New("piece hashes don't cover the torrent length")

	ErrInvalidPickerConfig = requestStrategy.ErrInvalidConfig
)

// Returned when an operation isn't allowed in the torrent's current state.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while %v", e.Op, e.State)
}

// A peer message caused a panic while being handled. The message is otherwise ignored.
type PeerMessageError struct {
	Peer  PeerConn
	Type  string
	Panic any
}

func (e *PeerMessageError) Error() string {
	return fmt.Sprintf("handling %s from %v: %v", e.Type, e.Peer.RemoteAddr(), e.Panic)
}
