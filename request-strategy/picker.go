package requestStrategy

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/peerforge/torrent/bitfield"
	"github.com/peerforge/torrent/types"
)

type Request = types.Request

// A Picker decides which blocks to request from which peers. Pickers compose: each wrapper adds one
// concern and delegates the rest to the Picker it wraps. None of the methods are safe for
// concurrent use, they're driven from the torrent's main loop.
//
// Nothing to pick, a choking peer and a peer over its request cap all result in no requests rather
// than an error. ValidatePiece reports false for tuples that don't match an outstanding request.
type Picker interface {
	// Resets the picker to work for a torrent where own is the set of pieces already verified.
	// active contains pieces with partial progress handed over from another picker.
	Initialise(own *bitfield.BitField, files []File, active []*Piece)
	IsInteresting(peerHas *bitfield.BitField) bool
	// Requests up to count blocks from peer, from pieces set in peerHas within [startIndex,
	// endIndex).
	PickPiece(peer Peer, peerHas *bitfield.BitField, otherPeers []Peer, count, startIndex, endIndex int) []Request
	// Requests up to count more blocks from pieces peer already has requests outstanding in.
	ContinueExistingRequest(peer Peer, peerHas *bitfield.BitField, count, startIndex, endIndex int) []Request
	CancelRequest(peer Peer, piece, offset, length int)
	CancelRequests(peer Peer)
	// Frees requests that have timed out, and returns how many were freed.
	CancelTimedOutRequests() int
	ValidatePiece(peer Peer, piece, offset, length int) (bool, *Piece)
	CurrentRequestCount() int
	ExportActiveRequests() []*Piece
	Reset()
}

// Implemented by pickers that wrap another.
type Wrapper interface {
	Unwrap() Picker
}

// Implemented by pickers with state derived from file priorities.
type priorityUpdater interface {
	UpdatePriorities()
}

// UpdatePriorities tells every picker in the chain that the priorities of the files it was
// initialised with have changed.
func UpdatePriorities(p Picker) {
	for p != nil {
		if pu, ok := p.(priorityUpdater); ok {
			pu.UpdatePriorities()
		}
		w, ok := p.(Wrapper)
		if !ok {
			return
		}
		p = w.Unwrap()
	}
}

// Find returns the first picker of type T in the chain starting at p.
func Find[T Picker](p Picker) (ret T, ok bool) {
	for p != nil {
		if ret, ok = p.(T); ok {
			return
		}
		w, isWrapper := p.(Wrapper)
		if !isWrapper {
			break
		}
		p = w.Unwrap()
	}
	return
}

// The most endgame requests a peer may have outstanding before being refused more. A peer can end
// up with one more than this since the check is made before each pick.
const EndGameMaxRequests = 2

// The most distinct pieces a peer may hold endgame requests for at once.
const EndGameMaxPiecesPerPeer = 2

var ErrInvalidConfig = errors.New("invalid picker config")

type Config struct {
	Info Info
	// Non-endgame requests outstanding longer than this are freed for other peers. Zero disables
	// the implicit timeout, leaving only explicitly flagged blocks to time out.
	RequestTimeout time.Duration
	// Availability tracked by the owner of the picker. If nil, rarest first ranks pieces by the
	// peers passed to each pick.
	Availability *PieceAvailability
	Rand         *rand.Rand
	Now          func() time.Time
	// Use the standard picker throughout.
	DisableEndGame bool
	// Called when the endgame switcher hands over to the endgame picker.
	OnEndGame func()
}

// NewDefaultPicker builds the usual chain: priority filtering, then rarest first, then a
// randomised start offset, around an endgame switcher that starts with the standard picker.
func NewDefaultPicker(cfg Config) (Picker, error) {
	if cfg.Info.PieceLength <= 0 || cfg.Info.TotalLength < 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.RequestTimeout < 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	standard := NewStandardPicker(cfg.Info, cfg.RequestTimeout)
	standard.now = cfg.Now
	var base Picker = standard
	if !cfg.DisableEndGame {
		endGame := NewEndGamePicker(cfg.Info, cfg.RequestTimeout)
		endGame.now = cfg.Now
		switcher := NewEndGameSwitcher(standard, endGame, cfg.Info.BlocksPerPiece())
		switcher.OnEndGame = cfg.OnEndGame
		base = switcher
	}
	var p Picker = NewRandomisedPicker(base, cfg.Rand)
	p = NewRarestFirstPicker(p, cfg.Availability)
	p = NewPriorityPicker(p)
	return p, nil
}

// Returns true if the chain contains an endgame switcher that has switched.
func IsInEndGame(p Picker) bool {
	s, ok := Find[*EndGameSwitcher](p)
	return ok && s.IsInEndGame()
}

// interesting reports whether peerHas has any piece own lacks.
func interesting(own, peerHas *bitfield.BitField) bool {
	if own == nil {
		return !peerHas.AllFalse()
	}
	needed := peerHas.Clone()
	if needed.AndNot(own) != nil {
		return false
	}
	return !needed.AllFalse()
}

func clampRange(peerHas *bitfield.BitField, startIndex, endIndex int) (int, int) {
	return max(startIndex, 0), min(endIndex, peerHas.Len())
}
