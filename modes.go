package torrent

import (
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	pp "github.com/anacrolix/torrent/peer_protocol"
	"github.com/anacrolix/torrent/tracker"
)

type stoppedMode struct{ modeBase }

func (stoppedMode) State() State                { return Stopped }
func (stoppedMode) CanHashCheck() bool          { return true }
func (stoppedMode) ShouldConnect(PeerConn) bool { return false }
func (m *stoppedMode) Tick(int)                 { m.closeUnwanted(m) }

type errorMode struct{ modeBase }

func (errorMode) State() State                { return Error }
func (errorMode) ShouldConnect(PeerConn) bool { return false }
func (m *errorMode) Tick(int)                 { m.closeUnwanted(m) }

// Disconnects everything, then waits for outstanding disk work before becoming Stopped.
type stoppingMode struct{ modeBase }

func (stoppingMode) State() State                { return Stopping }
func (stoppingMode) ShouldConnect(PeerConn) bool { return false }

func (m *stoppingMode) Tick(int) {
	m.closeUnwanted(m)
	if m.t.mode != Mode(m) || m.t.diskBusy() {
		return
	}
	m.t.setMode(&stoppedMode{modeBase{m.t}})
}

// Peers stay connected, but nothing is requested or served.
type pausedMode struct{ modeBase }

func (pausedMode) State() State               { return Paused }
func (pausedMode) CanAcceptConnections() bool { return true }

// Waits for the info dictionary, which is delivered with Torrent.SetInfoBytes.
type metadataMode struct{ modeBase }

func (metadataMode) State() State               { return Metadata }
func (metadataMode) CanAcceptConnections() bool { return true }
func (metadataMode) CanHashCheck() bool         { return true }

// Downloading until every piece is verified, then Seeding.
type downloadMode struct {
	modeBase
	state State
}

func newDownloadMode(t *Torrent) *downloadMode {
	m := &downloadMode{modeBase: modeBase{t}, state: Downloading}
	if t.complete() {
		m.state = Seeding
	}
	return m
}

func (m *downloadMode) State() State               { return m.state }
func (m *downloadMode) CanAcceptConnections() bool { return true }
func (m *downloadMode) CanRequest() bool           { return m.state == Downloading }
func (m *downloadMode) CanUpload() bool            { return true }

// Seeders are of no use once we're complete.
func (m *downloadMode) ShouldConnect(p PeerConn) bool {
	return !(p.IsSeeder() && m.t.complete())
}

func (m *downloadMode) HandlePeerConnected(p PeerConn) {
	if !m.ShouldConnect(p) {
		m.t.dropPeer(p)
	}
}

func (m *downloadMode) Tick(int) {
	m.closeUnwanted(m)
	m.checkComplete()
}

// Switches to Seeding as soon as the last piece is verified. The check against the active mode
// keeps a superseded mode from transitioning twice.
func (m *downloadMode) checkComplete() {
	t := m.t
	if m.state != Downloading || t.mode != Mode(m) || !t.complete() {
		return
	}
	t.setMode(&downloadMode{modeBase: modeBase{t}, state: Seeding})
	t.announce(tracker.Completed)
}

// Seeds a complete torrent without a seeder's bitfield: each peer is shown one rare piece at a
// time, and the next only once it has that one. Ends when every piece is available from some peer.
type initialSeedingMode struct{ modeBase }

func (initialSeedingMode) State() State               { return InitialSeeding }
func (initialSeedingMode) CanAcceptConnections() bool { return true }
func (initialSeedingMode) CanUpload() bool            { return true }

func (initialSeedingMode) ShouldConnect(p PeerConn) bool {
	return !p.IsSeeder()
}

func (m *initialSeedingMode) HandlePeerConnected(p PeerConn) {
	if !m.ShouldConnect(p) {
		m.t.dropPeer(p)
		return
	}
	if ps, ok := m.t.peerState(p); ok {
		m.reveal(ps)
	}
}

func (m *initialSeedingMode) Tick(int) {
	t := m.t
	// Checked before dropping seeders, which may be the peers that finished the job.
	if m.distributed() {
		t.logger.Levelf(log.Info, "every piece is available from peers")
		t.setMode(newDownloadMode(t))
		return
	}
	m.closeUnwanted(m)
	if t.mode != Mode(m) {
		return
	}
	for _, ps := range t.peerStates() {
		m.reveal(ps)
	}
}

func (m *initialSeedingMode) distributed() bool {
	a := m.t.availability
	for i := range a.Len() {
		if a.Get(i) == 0 {
			return false
		}
	}
	return true
}

// Announces the rarest piece the peer lacks, unless it's yet to get the last one revealed.
func (m *initialSeedingMode) reveal(ps *peerState) {
	has := ps.BitField()
	if has == nil {
		return
	}
	if ps.revealed.Ok && !has.Has(ps.revealed.Value) {
		return
	}
	ps.revealed = g.None[int]()
	for i := range m.t.availability.Ascending() {
		if has.Has(i) {
			continue
		}
		ps.revealed = g.Some(i)
		ps.Enqueue(pp.Message{Type: pp.Have, Index: pp.Integer(i)})
		return
	}
}
