package torrent

import (
	"github.com/anacrolix/log"
)

// These are called synchronously on the engine's main loop, and must not block or call back into
// the Torrent's blocking methods. nil functions are not called.
type Callbacks struct {
	// Called once per transition.
	StateChanged []func(StateChange)
	PieceHashed  []func(PieceHashedEvent)
	PeersFound   []func(PeersFoundEvent)
	EndGame      []func(*Torrent)
}

type StateChange struct {
	Torrent  *Torrent
	Old, New State
}

type PieceHashedEvent struct {
	Torrent *Torrent
	Index   int
	Passed  bool
}

type PeersFoundEvent struct {
	Torrent *Torrent
	Source  PeerSource
	// Peers that weren't already known.
	Added int
	Total int
}

func (t *Torrent) stateChanged(old, new State) {
	ev := StateChange{t, old, new}
	for _, f := range t.engine.config.Callbacks.StateChanged {
		f(ev)
	}
}

func (t *Torrent) pieceHashedEvent(index int, passed bool) {
	ev := PieceHashedEvent{t, index, passed}
	for _, f := range t.engine.config.Callbacks.PieceHashed {
		f(ev)
	}
}

func (t *Torrent) peersFoundEvent(source PeerSource, added, total int) {
	ev := PeersFoundEvent{t, source, added, total}
	for _, f := range t.engine.config.Callbacks.PeersFound {
		f(ev)
	}
}

func (t *Torrent) endGameEvent() {
	t.logger.Levelf(log.Debug, "entered endgame")
	for _, f := range t.engine.config.Callbacks.EndGame {
		f(t)
	}
}
