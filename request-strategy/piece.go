package requestStrategy

import (
	"fmt"
	"time"

	"github.com/peerforge/torrent/types"
)

// The size of a requested block. The last block of the last piece may be shorter.
const BlockSize = 1 << 14

// A Block is the unit requested from peers.
type Block struct {
	PieceIndex    int
	StartOffset   int
	RequestLength int

	Requested bool
	Received  bool
	// The peer the block was requested from. For received blocks, the peer that delivered it. In
	// endgame, one of the peers with an outstanding request.
	RequestedOff    Peer
	RequestTimedOut bool

	requestedAt time.Time
	// The peer whose request timed out. Its late data is still accepted while nobody else holds
	// the block.
	timedOutFrom Peer
}

func (b *Block) Request() Request {
	return types.NewRequest(b.PieceIndex, b.StartOffset, b.RequestLength)
}

func (b *Block) String() string {
	return fmt.Sprintf("block %d/%d+%d", b.PieceIndex, b.StartOffset, b.RequestLength)
}

func (b *Block) matches(offset, length int) bool {
	return b.StartOffset == offset && b.RequestLength == length
}

// A Piece is materialised only while it's incomplete and being worked on. It's owned by the picker
// that created it.
type Piece struct {
	Index  int
	Blocks []Block
}

func NewPiece(index int, info Info) *Piece {
	size := info.PieceSize(index)
	n := int((size + BlockSize - 1) / BlockSize)
	p := &Piece{
		Index:  index,
		Blocks: make([]Block, n),
	}
	for i := range p.Blocks {
		b := &p.Blocks[i]
		b.PieceIndex = index
		b.StartOffset = i * BlockSize
		b.RequestLength = int(min(BlockSize, size-int64(b.StartOffset)))
	}
	return p
}

func (p *Piece) BlockCount() int {
	return len(p.Blocks)
}

func (p *Piece) AllBlocksRequested() bool {
	for i := range p.Blocks {
		if !p.Blocks[i].Requested {
			return false
		}
	}
	return true
}

func (p *Piece) AllBlocksReceived() bool {
	for i := range p.Blocks {
		if !p.Blocks[i].Received {
			return false
		}
	}
	return true
}

func (p *Piece) TotalReceived() (n int) {
	for i := range p.Blocks {
		if p.Blocks[i].Received {
			n++
		}
	}
	return
}

// No block is requested or received.
func (p *Piece) pristine() bool {
	for i := range p.Blocks {
		if b := &p.Blocks[i]; b.Requested || b.Received || b.timedOutFrom != nil {
			return false
		}
	}
	return true
}

// Returns the block for a wire request tuple, if the tuple describes one exactly.
func (p *Piece) block(offset, length int) (*Block, bool) {
	if offset < 0 || offset%BlockSize != 0 {
		return nil, false
	}
	i := offset / BlockSize
	if i >= len(p.Blocks) || !p.Blocks[i].matches(offset, length) {
		return nil, false
	}
	return &p.Blocks[i], true
}

func (p *Piece) String() string {
	return fmt.Sprintf("piece %d (%d/%d blocks)", p.Index, p.TotalReceived(), len(p.Blocks))
}
