package requestStrategy

import (
	"slices"
	"time"

	pp "github.com/anacrolix/torrent/peer_protocol"
	list "github.com/bahlo/generic-list-go"

	"github.com/peerforge/torrent/bitfield"
)

// An outstanding endgame request. Several may exist for the same block.
type endGameRequest struct {
	peer  Peer
	block *Block
	at    time.Time
}

// EndGamePicker races the final pieces by letting several peers hold requests for the same block.
// Blocks nobody has requested are handed out first. After that, requests are duplicated starting
// from the oldest entry in the ledger, and every duplicated entry moves to the back so the next
// duplicate goes to a block that was raced less recently. When a block arrives, the losing peers
// are sent cancels.
type EndGamePicker struct {
	info    Info
	timeout time.Duration
	now     func() time.Time

	own      *bitfield.BitField
	requests *list.List[*endGameRequest]
	// Pieces that aren't complete yet.
	pieces []*Piece

	MaxRequests      int
	MaxPiecesPerPeer int
}

var _ Picker = (*EndGamePicker)(nil)

func NewEndGamePicker(info Info, timeout time.Duration) *EndGamePicker {
	return &EndGamePicker{
		info:             info,
		timeout:          timeout,
		now:              time.Now,
		requests:         list.New[*endGameRequest](),
		MaxRequests:      EndGameMaxRequests,
		MaxPiecesPerPeer: EndGameMaxPiecesPerPeer,
	}
}

// Takes over pieces, including their outstanding requests, from another picker.
func (p *EndGamePicker) Initialise(own *bitfield.BitField, files []File, active []*Piece) {
	p.own = own
	p.requests.Init()
	p.pieces = slices.Clone(active)
	for _, piece := range p.pieces {
		for i := range piece.Blocks {
			b := &piece.Blocks[i]
			if b.Requested && !b.Received && b.RequestedOff != nil {
				p.requests.PushBack(&endGameRequest{
					peer:  b.RequestedOff,
					block: b,
					at:    b.requestedAt,
				})
			}
		}
	}
	p.trimPeerPieces()
}

// Releases, without cancels, each peer's requests beyond its MaxPiecesPerPeer lowest indexed
// pieces. Requests taken over from another picker aren't bound by the endgame caps.
func (p *EndGamePicker) trimPeerPieces() {
	held := make(map[Peer][]int)
	for e := p.requests.Front(); e != nil; e = e.Next() {
		r := e.Value
		if !slices.Contains(held[r.peer], r.block.PieceIndex) {
			held[r.peer] = append(held[r.peer], r.block.PieceIndex)
		}
	}
	for _, pieces := range held {
		slices.Sort(pieces)
	}
	p.cancelWhere(func(r *endGameRequest) bool {
		return slices.Index(held[r.peer], r.block.PieceIndex) >= p.MaxPiecesPerPeer
	}, false)
}

func (p *EndGamePicker) IsInteresting(peerHas *bitfield.BitField) bool {
	return interesting(p.own, peerHas)
}

func (p *EndGamePicker) ContinueExistingRequest(Peer, *bitfield.BitField, int, int, int) []Request {
	return nil
}

func (p *EndGamePicker) piece(index int) *Piece {
	for _, piece := range p.pieces {
		if piece.Index == index {
			return piece
		}
	}
	return nil
}

// Materialises the pieces peerHas offers that aren't being tracked yet.
func (p *EndGamePicker) loadPieces(peerHas *bitfield.BitField, startIndex, endIndex int) {
	for i, ok := peerHas.FirstTrueIn(startIndex, endIndex); ok; i, ok = peerHas.FirstTrueIn(i+1, endIndex) {
		if p.own != nil && p.own.Has(i) {
			continue
		}
		if p.piece(i) == nil {
			p.pieces = append(p.pieces, NewPiece(i, p.info))
		}
	}
}

// The distinct pieces peer has outstanding requests in.
func (p *EndGamePicker) peerPieces(peer Peer) map[int]struct{} {
	ret := make(map[int]struct{})
	for e := p.requests.Front(); e != nil; e = e.Next() {
		if e.Value.peer == peer {
			ret[e.Value.block.PieceIndex] = struct{}{}
		}
	}
	return ret
}

func (p *EndGamePicker) alreadyRequested(b *Block, peer Peer) bool {
	for e := p.requests.Front(); e != nil; e = e.Next() {
		if e.Value.block == b && e.Value.peer == peer {
			return true
		}
	}
	return false
}

func (p *EndGamePicker) admitted(peer Peer) bool {
	return !peer.IsChoking() && peer.AmRequestingPiecesCount() <= p.MaxRequests
}

func (p *EndGamePicker) addRequest(peer Peer, b *Block) Request {
	if !b.Requested {
		b.Requested = true
		b.RequestedOff = peer
		b.requestedAt = p.now()
	}
	b.RequestTimedOut = false
	p.requests.PushBack(&endGameRequest{
		peer:  peer,
		block: b,
		at:    p.now(),
	})
	peer.AddAmRequestingPiecesCount(1)
	return b.Request()
}

func (p *EndGamePicker) PickPiece(
	peer Peer, peerHas *bitfield.BitField, otherPeers []Peer, count, startIndex, endIndex int,
) (reqs []Request) {
	if !p.admitted(peer) || count <= 0 {
		return nil
	}
	startIndex, endIndex = clampRange(peerHas, startIndex, endIndex)
	p.loadPieces(peerHas, startIndex, endIndex)
	for len(reqs) < count && p.admitted(peer) {
		r, ok := p.pickOne(peer, peerHas, startIndex, endIndex)
		if !ok {
			break
		}
		reqs = append(reqs, r)
	}
	return
}

func (p *EndGamePicker) pickOne(peer Peer, peerHas *bitfield.BitField, startIndex, endIndex int) (Request, bool) {
	held := p.peerPieces(peer)
	usable := func(index int) bool {
		if index < startIndex || index >= endIndex || !peerHas.Has(index) {
			return false
		}
		if _, ok := held[index]; ok {
			return true
		}
		return len(held) < p.MaxPiecesPerPeer
	}
	// Blocks with no outstanding request at all.
	for _, piece := range p.pieces {
		if !usable(piece.Index) || piece.AllBlocksRequested() {
			continue
		}
		for i := range piece.Blocks {
			if b := &piece.Blocks[i]; !b.Requested && !b.Received {
				return p.addRequest(peer, b), true
			}
		}
	}
	// Duplicate the oldest request this peer could also serve.
	for e := p.requests.Front(); e != nil; e = e.Next() {
		b := e.Value.block
		if b.Received || !usable(b.PieceIndex) || p.alreadyRequested(b, peer) {
			continue
		}
		p.moveToBack(b)
		return p.addRequest(peer, b), true
	}
	return Request{}, false
}

// Moves every request for b to the back of the ledger, keeping their relative order.
func (p *EndGamePicker) moveToBack(b *Block) {
	var matching []*list.Element[*endGameRequest]
	for e := p.requests.Front(); e != nil; e = e.Next() {
		if e.Value.block == b {
			matching = append(matching, e)
		}
	}
	for _, e := range matching {
		p.requests.MoveToBack(e)
	}
}

// Removes the requests matching pred, optionally sending the peer a cancel. Returns how many were
// removed.
func (p *EndGamePicker) cancelWhere(pred func(*endGameRequest) bool, sendCancel bool) (removed int) {
	var next *list.Element[*endGameRequest]
	for e := p.requests.Front(); e != nil; e = next {
		next = e.Next()
		r := e.Value
		if !pred(r) {
			continue
		}
		p.requests.Remove(e)
		r.peer.AddAmRequestingPiecesCount(-1)
		if sendCancel {
			r.peer.Enqueue(r.block.Request().ToMsg(pp.Cancel))
		}
		p.releaseBlock(r)
		removed++
	}
	return
}

// Keeps the block's owner pointing at a peer that still has a request for it.
func (p *EndGamePicker) releaseBlock(r *endGameRequest) {
	b := r.block
	if b.Received || b.RequestedOff != r.peer {
		return
	}
	for e := p.requests.Front(); e != nil; e = e.Next() {
		if e.Value.block == b {
			b.RequestedOff = e.Value.peer
			return
		}
	}
	b.Requested = false
	b.RequestedOff = nil
	b.RequestTimedOut = false
}

func (p *EndGamePicker) CancelRequest(peer Peer, index, offset, length int) {
	p.cancelWhere(func(r *endGameRequest) bool {
		return r.peer == peer && r.block.PieceIndex == index && r.block.matches(offset, length)
	}, false)
}

func (p *EndGamePicker) CancelRequests(peer Peer) {
	p.cancelWhere(func(r *endGameRequest) bool {
		return r.peer == peer
	}, false)
}

// Blocks left with no request at all stay flagged RequestTimedOut until they're picked again.
func (p *EndGamePicker) CancelTimedOutRequests() int {
	now := p.now()
	var expired []*Block
	freed := p.cancelWhere(func(r *endGameRequest) bool {
		if r.block.RequestTimedOut || (p.timeout > 0 && now.Sub(r.at) >= p.timeout) {
			expired = append(expired, r.block)
			return true
		}
		return false
	}, false)
	for _, b := range expired {
		if !b.Requested && !b.Received {
			b.RequestTimedOut = true
		}
	}
	return freed
}

func (p *EndGamePicker) ValidatePiece(peer Peer, index, offset, length int) (bool, *Piece) {
	var found *list.Element[*endGameRequest]
	for e := p.requests.Front(); e != nil; e = e.Next() {
		r := e.Value
		if r.peer == peer && r.block.PieceIndex == index && r.block.matches(offset, length) {
			found = e
			break
		}
	}
	if found == nil {
		return false, nil
	}
	piece := p.piece(index)
	if piece == nil {
		return false, nil
	}
	b := found.Value.block
	p.requests.Remove(found)
	peer.AddAmRequestingPiecesCount(-1)
	b.Received = true
	b.Requested = true
	b.RequestedOff = peer
	b.RequestTimedOut = false
	p.cancelWhere(func(r *endGameRequest) bool {
		return r.block == b
	}, true)
	if piece.AllBlocksReceived() {
		p.pieces = slices.DeleteFunc(p.pieces, func(other *Piece) bool {
			return other == piece
		})
	}
	return true, piece
}

func (p *EndGamePicker) CurrentRequestCount() int {
	return p.requests.Len()
}

func (p *EndGamePicker) ExportActiveRequests() []*Piece {
	return slices.Clone(p.pieces)
}

// Reset drops every outstanding request without sending cancels.
func (p *EndGamePicker) Reset() {
	p.cancelWhere(func(*endGameRequest) bool { return true }, false)
	p.pieces = nil
}
