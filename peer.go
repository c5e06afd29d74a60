package torrent

import (
	"net"
	"strconv"

	"github.com/anacrolix/dht/v2"
	g "github.com/anacrolix/generics"

	pp "github.com/anacrolix/torrent/peer_protocol"
	"github.com/anacrolix/torrent/tracker"

	"github.com/peerforge/torrent/bitfield"
	requestStrategy "github.com/peerforge/torrent/request-strategy"
	"github.com/peerforge/torrent/types"
)

// PeerConn is an established connection as seen by the scheduler. The connection layer keeps the
// remote bitfield current, and reports messages with Torrent.HandleMessage.
type PeerConn interface {
	requestStrategy.Peer
	Close()
	IsSeeder() bool
	RemoteAddr() string
}

// Torrent-side state for a connected peer. This is what the pickers see as the peer.
type peerState struct {
	t            *Torrent
	conn         PeerConn
	amInterested bool
	// Requests from the peer waiting to be served, oldest first.
	uploadQueue []types.Request
	// The pieces of the peer that have been added to the torrent's availability.
	counted *bitfield.BitField
	// The piece revealed to the peer during initial seeding, until it has it.
	revealed g.Option[int]
}

var _ requestStrategy.Peer = (*peerState)(nil)

func (p *peerState) IsChoking() bool                      { return p.conn.IsChoking() }
func (p *peerState) AmRequestingPiecesCount() int         { return p.conn.AmRequestingPiecesCount() }
func (p *peerState) AddAmRequestingPiecesCount(delta int) { p.conn.AddAmRequestingPiecesCount(delta) }
func (p *peerState) BitField() *bitfield.BitField         { return p.conn.BitField() }

func (p *peerState) Enqueue(msg pp.Message) {
	switch msg.Type {
	case pp.Request:
		p.t.engine.metrics.requestsSent.Inc()
	case pp.Cancel:
		p.t.engine.metrics.cancelsSent.Inc()
	}
	p.conn.Enqueue(msg)
}

func (p *peerState) String() string {
	return p.conn.RemoteAddr()
}

type PeerSource string

const (
	PeerSourceTracker  PeerSource = "Tr"
	PeerSourceIncoming PeerSource = "I"
	PeerSourceDht      PeerSource = "Hg"
	PeerSourceDirect   PeerSource = "M"
)

// A candidate peer, before it's connected.
type PeerInfo struct {
	Addr   string
	Source PeerSource
}

// Helper-type used to bulk-manage PeerInfos.
type peerInfos []PeerInfo

func (pi peerInfos) AppendFromTracker(ps []tracker.Peer) peerInfos {
	for _, p := range ps {
		pi = append(pi, PeerInfo{
			Addr:   net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port)),
			Source: PeerSourceTracker,
		})
	}
	return pi
}

func (pi peerInfos) AppendFromDht(pv dht.PeersValues) peerInfos {
	for _, na := range pv.Peers {
		pi = append(pi, PeerInfo{
			Addr:   na.String(),
			Source: PeerSourceDht,
		})
	}
	return pi
}
