package requestStrategy

import (
	"slices"
	"time"

	"github.com/peerforge/torrent/bitfield"
)

// StandardPicker never has more than one outstanding request per block. Pieces are materialised
// when first requested from and dropped once every block is received, or once nothing in them is
// requested any more.
type StandardPicker struct {
	info    Info
	timeout time.Duration
	now     func() time.Time

	own   *bitfield.BitField
	files []File
	// The active working set, ordered by piece index.
	requests []*Piece
}

var _ Picker = (*StandardPicker)(nil)

func NewStandardPicker(info Info, timeout time.Duration) *StandardPicker {
	return &StandardPicker{
		info:    info,
		timeout: timeout,
		now:     time.Now,
	}
}

func (p *StandardPicker) Initialise(own *bitfield.BitField, files []File, active []*Piece) {
	p.own = own
	p.files = files
	p.requests = slices.Clone(active)
	slices.SortFunc(p.requests, func(a, b *Piece) int {
		return a.Index - b.Index
	})
}

func (p *StandardPicker) IsInteresting(peerHas *bitfield.BitField) bool {
	return interesting(p.own, peerHas)
}

func (p *StandardPicker) find(index int) (int, bool) {
	return slices.BinarySearchFunc(p.requests, index, func(piece *Piece, index int) int {
		return piece.Index - index
	})
}

func (p *StandardPicker) activePiece(index int) *Piece {
	i, ok := p.find(index)
	if !ok {
		return nil
	}
	return p.requests[i]
}

func (p *StandardPicker) addPiece(piece *Piece) {
	i, ok := p.find(piece.Index)
	if ok {
		panic(piece.Index)
	}
	p.requests = slices.Insert(p.requests, i, piece)
}

func (p *StandardPicker) removePiece(piece *Piece) {
	if i, ok := p.find(piece.Index); ok && p.requests[i] == piece {
		p.requests = slices.Delete(p.requests, i, i+1)
	}
}

func (p *StandardPicker) requestBlock(peer Peer, b *Block) Request {
	b.Requested = true
	b.RequestedOff = peer
	b.RequestTimedOut = false
	b.timedOutFrom = nil
	b.requestedAt = p.now()
	peer.AddAmRequestingPiecesCount(1)
	return b.Request()
}

// Requests unrequested blocks from piece until count is reached.
func (p *StandardPicker) fillFrom(peer Peer, piece *Piece, count int, reqs []Request) []Request {
	for i := range piece.Blocks {
		if len(reqs) >= count {
			break
		}
		b := &piece.Blocks[i]
		if b.Requested || b.Received {
			continue
		}
		reqs = append(reqs, p.requestBlock(peer, b))
	}
	return reqs
}

func (p *StandardPicker) ContinueExistingRequest(
	peer Peer, peerHas *bitfield.BitField, count, startIndex, endIndex int,
) (reqs []Request) {
	if peer.IsChoking() || count <= 0 {
		return nil
	}
	for _, piece := range p.requests {
		if len(reqs) >= count {
			break
		}
		if piece.Index < startIndex || piece.Index >= endIndex || !peerHas.Has(piece.Index) {
			continue
		}
		if piece.AllBlocksRequested() || !requestedBy(piece, peer) {
			continue
		}
		reqs = p.fillFrom(peer, piece, count, reqs)
	}
	return
}

func requestedBy(piece *Piece, peer Peer) bool {
	for i := range piece.Blocks {
		b := &piece.Blocks[i]
		if b.Requested && !b.Received && b.RequestedOff == peer {
			return true
		}
	}
	return false
}

func (p *StandardPicker) PickPiece(
	peer Peer, peerHas *bitfield.BitField, otherPeers []Peer, count, startIndex, endIndex int,
) (reqs []Request) {
	if peer.IsChoking() || count <= 0 || peerHas.AllFalse() {
		return nil
	}
	startIndex, endIndex = clampRange(peerHas, startIndex, endIndex)
	// Help with pieces already in progress before starting new ones, to keep the number of
	// partial pieces down.
	for _, piece := range p.requests {
		if len(reqs) >= count {
			return
		}
		if piece.Index < startIndex || piece.Index >= endIndex || !peerHas.Has(piece.Index) {
			continue
		}
		reqs = p.fillFrom(peer, piece, count, reqs)
	}
	for i, ok := peerHas.FirstTrueIn(startIndex, endIndex); ok && len(reqs) < count; i, ok = peerHas.FirstTrueIn(i+1, endIndex) {
		if p.own != nil && p.own.Has(i) {
			continue
		}
		if p.activePiece(i) != nil {
			continue
		}
		piece := NewPiece(i, p.info)
		p.addPiece(piece)
		reqs = p.fillFrom(peer, piece, count, reqs)
	}
	return
}

// Frees a block whose request from its owner is no longer outstanding.
func (p *StandardPicker) free(b *Block) {
	b.RequestedOff.AddAmRequestingPiecesCount(-1)
	b.Requested = false
	b.RequestedOff = nil
	b.RequestTimedOut = false
}

func (p *StandardPicker) outstanding(b *Block) bool {
	return b.Requested && !b.Received && b.RequestedOff != nil
}

func (p *StandardPicker) dropIfPristine(piece *Piece) {
	if piece.pristine() {
		p.removePiece(piece)
	}
}

func (p *StandardPicker) CancelRequest(peer Peer, index, offset, length int) {
	piece := p.activePiece(index)
	if piece == nil {
		return
	}
	b, ok := piece.block(offset, length)
	if !ok || !p.outstanding(b) || b.RequestedOff != peer {
		return
	}
	p.free(b)
	p.dropIfPristine(piece)
}

func (p *StandardPicker) CancelRequests(peer Peer) {
	for _, piece := range slices.Clone(p.requests) {
		for i := range piece.Blocks {
			b := &piece.Blocks[i]
			if b.timedOutFrom == peer {
				b.timedOutFrom = nil
			}
			if p.outstanding(b) && b.RequestedOff == peer {
				p.free(b)
			}
		}
		p.dropIfPristine(piece)
	}
}

func (p *StandardPicker) timedOut(b *Block, now time.Time) bool {
	return b.RequestTimedOut || (p.timeout > 0 && now.Sub(b.requestedAt) >= p.timeout)
}

// Frees every outstanding request that has been flagged or has exceeded the request timeout. No
// cancel is sent: the peer may still deliver, and that data is accepted while the block is free.
// The block stays flagged RequestTimedOut until it's requested again or received.
func (p *StandardPicker) CancelTimedOutRequests() (freed int) {
	now := p.now()
	for _, piece := range p.requests {
		for i := range piece.Blocks {
			b := &piece.Blocks[i]
			if !p.outstanding(b) || !p.timedOut(b, now) {
				continue
			}
			owner := b.RequestedOff
			p.free(b)
			b.RequestTimedOut = true
			b.timedOutFrom = owner
			freed++
		}
	}
	return
}

func (p *StandardPicker) ValidatePiece(peer Peer, index, offset, length int) (bool, *Piece) {
	piece := p.activePiece(index)
	if piece == nil {
		return false, nil
	}
	b, ok := piece.block(offset, length)
	if !ok || b.Received {
		return false, nil
	}
	switch {
	case p.outstanding(b) && b.RequestedOff == peer:
		peer.AddAmRequestingPiecesCount(-1)
	case !b.Requested && b.timedOutFrom == peer:
		// Late data for a request that timed out. The peer's counter was already released.
	default:
		return false, nil
	}
	b.Received = true
	b.Requested = true
	b.RequestedOff = peer
	b.RequestTimedOut = false
	b.timedOutFrom = nil
	if piece.AllBlocksReceived() {
		p.removePiece(piece)
	}
	return true, piece
}

func (p *StandardPicker) CurrentRequestCount() (n int) {
	for _, piece := range p.requests {
		for i := range piece.Blocks {
			if p.outstanding(&piece.Blocks[i]) {
				n++
			}
		}
	}
	return
}

func (p *StandardPicker) ExportActiveRequests() []*Piece {
	return slices.Clone(p.requests)
}

// Reset drops every outstanding request without sending cancels, and forgets partial progress.
func (p *StandardPicker) Reset() {
	for _, piece := range p.requests {
		for i := range piece.Blocks {
			if b := &piece.Blocks[i]; p.outstanding(b) {
				p.free(b)
			}
		}
	}
	p.requests = nil
}

// Gives up the working set without touching the outstanding requests, which move with the pieces.
func (p *StandardPicker) handOff() []*Piece {
	ret := p.requests
	p.requests = nil
	return ret
}
