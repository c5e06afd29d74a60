package requestStrategy

import (
	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/peerforge/torrent/bitfield"
)

// The view of a peer connection the pickers need. Implementations are only ever called from the
// torrent's main loop.
type Peer interface {
	IsChoking() bool
	// Outstanding block requests to this peer. Adjusted by the pickers as requests are issued,
	// validated, cancelled or time out.
	AmRequestingPiecesCount() int
	AddAmRequestingPiecesCount(delta int)
	// Queues an already built message for the peer.
	Enqueue(pp.Message)
	// The pieces the remote has, maintained by the connection layer.
	BitField() *bitfield.BitField
}
