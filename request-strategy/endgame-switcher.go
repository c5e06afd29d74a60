package requestStrategy

import (
	"github.com/peerforge/torrent/bitfield"
)

// EndGameSwitcher uses the standard picker until the number of wanted pieces not yet verified drops
// to the threshold, then hands the working set to the endgame picker for the rest of the session.
type EndGameSwitcher struct {
	standard  *StandardPicker
	endGame   *EndGamePicker
	threshold int
	inEndGame bool

	own    *bitfield.BitField
	files  []File
	wanted []bool

	OnEndGame func()
}

var _ Picker = (*EndGameSwitcher)(nil)

// threshold is normally the number of blocks in a piece.
func NewEndGameSwitcher(standard *StandardPicker, endGame *EndGamePicker, threshold int) *EndGameSwitcher {
	return &EndGameSwitcher{
		standard:  standard,
		endGame:   endGame,
		threshold: max(threshold, 1),
	}
}

func (s *EndGameSwitcher) IsInEndGame() bool {
	return s.inEndGame
}

func (s *EndGameSwitcher) active() Picker {
	if s.inEndGame {
		return s.endGame
	}
	return s.standard
}

func (s *EndGameSwitcher) Initialise(own *bitfield.BitField, files []File, active []*Piece) {
	s.own = own
	s.files = files
	s.UpdatePriorities()
	s.inEndGame = false
	s.endGame.Initialise(own, files, nil)
	s.standard.Initialise(own, files, active)
}

func (s *EndGameSwitcher) UpdatePriorities() {
	if s.own == nil {
		return
	}
	s.wanted = wantedPieces(s.files, s.own.Len())
}

// Wanted pieces that haven't been verified.
func (s *EndGameSwitcher) remaining() (n int) {
	for i, want := range s.wanted {
		if want && !s.own.Has(i) {
			n++
		}
	}
	return
}

func (s *EndGameSwitcher) tryEnterEndGame() {
	if s.inEndGame || s.own == nil {
		return
	}
	if s.remaining() > s.threshold {
		return
	}
	s.endGame.Initialise(s.own, s.files, s.standard.handOff())
	s.inEndGame = true
	if s.OnEndGame != nil {
		s.OnEndGame()
	}
}

func (s *EndGameSwitcher) IsInteresting(peerHas *bitfield.BitField) bool {
	return s.active().IsInteresting(peerHas)
}

func (s *EndGameSwitcher) PickPiece(
	peer Peer, peerHas *bitfield.BitField, otherPeers []Peer, count, startIndex, endIndex int,
) []Request {
	s.tryEnterEndGame()
	return s.active().PickPiece(peer, peerHas, otherPeers, count, startIndex, endIndex)
}

func (s *EndGameSwitcher) ContinueExistingRequest(
	peer Peer, peerHas *bitfield.BitField, count, startIndex, endIndex int,
) []Request {
	s.tryEnterEndGame()
	return s.active().ContinueExistingRequest(peer, peerHas, count, startIndex, endIndex)
}

func (s *EndGameSwitcher) CancelRequest(peer Peer, piece, offset, length int) {
	s.active().CancelRequest(peer, piece, offset, length)
}

func (s *EndGameSwitcher) CancelRequests(peer Peer) {
	s.active().CancelRequests(peer)
}

func (s *EndGameSwitcher) CancelTimedOutRequests() int {
	return s.active().CancelTimedOutRequests()
}

func (s *EndGameSwitcher) ValidatePiece(peer Peer, piece, offset, length int) (bool, *Piece) {
	return s.active().ValidatePiece(peer, piece, offset, length)
}

func (s *EndGameSwitcher) CurrentRequestCount() int {
	return s.active().CurrentRequestCount()
}

func (s *EndGameSwitcher) ExportActiveRequests() []*Piece {
	return s.active().ExportActiveRequests()
}

// Reset starts a new session with the standard picker.
func (s *EndGameSwitcher) Reset() {
	s.standard.Reset()
	s.endGame.Reset()
	s.inEndGame = false
}
