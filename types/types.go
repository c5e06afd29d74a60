// Package types contains types shared by the request strategy and the torrent package.
package types

import (
	"fmt"

	pp "github.com/anacrolix/torrent/peer_protocol"
)

type PieceIndex = int

// Offset and length of a block within a piece.
type ChunkSpec struct {
	Begin, Length pp.Integer
}

// A block request as it appears on the wire.
type Request struct {
	Index pp.Integer
	ChunkSpec
}

func NewRequest(index, begin, length int) Request {
	return Request{
		Index: pp.Integer(index),
		ChunkSpec: ChunkSpec{
			Begin:  pp.Integer(begin),
			Length: pp.Integer(length),
		},
	}
}

func (r Request) String() string {
	return fmt.Sprintf("piece %v, %v bytes at %v", r.Index, r.Length, r.Begin)
}

func (r Request) ToMsg(mt pp.MessageType) pp.Message {
	return pp.Message{
		Type:   mt,
		Index:  r.Index,
		Begin:  r.Begin,
		Length: r.Length,
	}
}

// Describes the importance of obtaining the pieces of a file.
type PiecePriority byte

func (pp *PiecePriority) Raise(maybe PiecePriority) bool {
	if maybe > *pp {
		*pp = maybe
		return true
	}
	return false
}

const (
	PiecePriorityNone   PiecePriority = iota // Do not download. Must be the zero value.
	PiecePriorityLow                         // Wanted once everything else is.
	PiecePriorityNormal                      // Wanted.
	PiecePriorityHigh                        // Wanted before anything else.
)

// Tiers in the order they're offered to peers.
var WantedPriorities = []PiecePriority{
	PiecePriorityHigh,
	PiecePriorityNormal,
	PiecePriorityLow,
}

func (pp PiecePriority) String() string {
	switch pp {
	case PiecePriorityNone:
		return "do not download"
	case PiecePriorityLow:
		return "low"
	case PiecePriorityNormal:
		return "normal"
	case PiecePriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("PiecePriority(%d)", byte(pp))
	}
}
