package torrent

import (
	"github.com/anacrolix/log"
)

// The lifecycle state of a torrent.
type State int

const (
	Stopped State = iota
	Hashing
	Metadata
	Downloading
	Seeding
	Paused
	Stopping
	Error
	InitialSeeding
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Hashing:
		return "hashing"
	case Metadata:
		return "metadata"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Error:
		return "error"
	case InitialSeeding:
		return "initial seeding"
	default:
		return "unknown"
	}
}

// Whether peers exchange data with the torrent in this state.
func (s State) Active() bool {
	switch s {
	case Downloading, Seeding, InitialSeeding, Metadata:
		return true
	}
	return false
}

// A Mode is the behaviour of a torrent while in one State. A new Mode is created for each
// transition, and all methods are called on the engine's main loop.
type Mode interface {
	State() State
	// Whether new peer connections are admitted.
	CanAcceptConnections() bool
	CanHashCheck() bool
	// Whether the request round runs for the torrent.
	CanRequest() bool
	// Whether peers' block requests are served.
	CanUpload() bool
	ShouldConnect(PeerConn) bool
	HandlePeerConnected(PeerConn)
	HandlePeerDisconnected(PeerConn)
	// Periodic maintenance. Called with 0 when the mode becomes active.
	Tick(counter int)
}

// Defaults shared by the modes.
type modeBase struct {
	t *Torrent
}

func (modeBase) CanAcceptConnections() bool      { return false }
func (modeBase) CanHashCheck() bool              { return false }
func (modeBase) CanRequest() bool                { return false }
func (modeBase) CanUpload() bool                 { return false }
func (modeBase) ShouldConnect(PeerConn) bool     { return true }
func (modeBase) HandlePeerConnected(PeerConn)    {}
func (modeBase) HandlePeerDisconnected(PeerConn) {}
func (modeBase) Tick(int)                        {}

// Closes and forgets connected peers the mode no longer wants.
func (me modeBase) closeUnwanted(m Mode) {
	for _, p := range me.t.connectedPeers() {
		if !m.ShouldConnect(p) {
			me.t.logger.Levelf(log.Debug, "closing %v: not wanted while %v", p.RemoteAddr(), m.State())
			me.t.dropPeer(p)
		}
	}
}

// setMode makes m the active mode. Resume data is saved first, then observers see the transition,
// then the new mode gets its first tick so that it can apply its admission rules.
func (t *Torrent) setMode(m Mode) {
	t.saveResumeData()
	old := t.mode
	t.mode = m
	if old != nil {
		t.logger.Levelf(log.Info, "%v -> %v", old.State(), m.State())
		t.engine.metrics.stateTransitions.WithLabelValues(old.State().String(), m.State().String()).Inc()
		t.stateChanged(old.State(), m.State())
	}
	m.Tick(0)
}
