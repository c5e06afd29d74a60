package torrent

import (
	"slices"

	"github.com/anacrolix/log"

	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/peerforge/torrent/bitfield"
	"github.com/peerforge/torrent/types"
)

// Most peer requests queued for upload. Requests beyond this are dropped.
const maxUploadQueue = 250

func (t *Torrent) peerStates() (ret []*peerState) {
	ret = make([]*peerState, 0, t.peers.Len())
	for e := t.peers.Front(); e != nil; e = e.Next() {
		ret = append(ret, e.Value.(*peerState))
	}
	return
}

func (t *Torrent) connectedPeers() (ret []PeerConn) {
	ret = make([]PeerConn, 0, t.peers.Len())
	for e := t.peers.Front(); e != nil; e = e.Next() {
		ret = append(ret, e.Key.(PeerConn))
	}
	return
}

func (t *Torrent) peerState(conn PeerConn) (*peerState, bool) {
	v, ok := t.peers.Get(conn)
	if !ok {
		return nil, false
	}
	return v.(*peerState), true
}

func (t *Torrent) connectedTo(addr string) bool {
	for e := t.peers.Front(); e != nil; e = e.Next() {
		if e.Key.(PeerConn).RemoteAddr() == addr {
			return true
		}
	}
	return false
}

// AddPeers offers candidate addresses for the torrent to connect to. It returns how many weren't
// already known. Private torrents only take peers from their own trackers.
func (t *Torrent) AddPeers(peers ...PeerInfo) (added int, err error) {
	err = t.act(func() error {
		if t.private {
			return ErrPrivateTorrent
		}
		added = t.addPeersCore(peers)
		t.peersFoundEvent(PeerSourceDirect, added, len(peers))
		return nil
	})
	return
}

// Adds candidates that aren't connected, already queued or marked inactive.
func (t *Torrent) addPeersCore(peers []PeerInfo) (added int) {
	for _, pi := range peers {
		if pi.Addr == "" {
			continue
		}
		if _, ok := t.inactivePeers[pi.Addr]; ok {
			continue
		}
		if _, ok := t.dialing[pi.Addr]; ok {
			continue
		}
		if t.connectedTo(pi.Addr) {
			continue
		}
		if t.availablePeers.Set(pi.Addr, pi) {
			added++
		}
	}
	return
}

// Takes peers found by trackers or the DHT.
func (t *Torrent) peersDiscovered(source PeerSource, peers []PeerInfo) {
	added := t.addPeersCore(peers)
	t.logger.Levelf(log.Debug, "%d new peers of %d from %v", added, len(peers), source)
	t.peersFoundEvent(source, added, len(peers))
}

// DialFailed reports that a connection attempt handed to EngineConfig.DialPeer didn't succeed. The
// address isn't tried again.
func (t *Torrent) DialFailed(peer PeerInfo) error {
	return t.act(func() error {
		delete(t.dialing, peer.Addr)
		t.inactivePeers[peer.Addr] = struct{}{}
		return nil
	})
}

// HandlePeerConnected registers an established connection with the torrent. Connections the
// current mode doesn't admit are closed.
func (t *Torrent) HandlePeerConnected(conn PeerConn) error {
	return t.act(func() error {
		return t.peerConnected(conn)
	})
}

func (t *Torrent) peerConnected(conn PeerConn) error {
	delete(t.dialing, conn.RemoteAddr())
	t.availablePeers.Delete(conn.RemoteAddr())
	if _, ok := t.peers.Get(conn); ok {
		return nil
	}
	if !t.mode.CanAcceptConnections() {
		conn.Close()
		return t.invalidState("accept connections")
	}
	if t.peers.Len() >= t.engine.config.MaxConnections {
		t.logger.Levelf(log.Debug, "rejecting %v: at max connections", conn.RemoteAddr())
		conn.Close()
		return nil
	}
	ps := &peerState{t: t, conn: conn}
	t.peers.Set(conn, ps)
	t.engine.metrics.connectedPeers.Inc()
	if t.haveInfo() {
		t.countPeerPieces(ps)
		t.updateInterest(ps)
	}
	t.mode.HandlePeerConnected(conn)
	return nil
}

// HandlePeerDisconnected releases everything held for the peer. Its outstanding requests become
// available to other peers.
func (t *Torrent) HandlePeerDisconnected(conn PeerConn) error {
	return t.act(func() error {
		t.peerDisconnected(conn)
		return nil
	})
}

func (t *Torrent) peerDisconnected(conn PeerConn) {
	ps, ok := t.peerState(conn)
	if !ok {
		return
	}
	t.peers.Delete(conn)
	t.engine.metrics.connectedPeers.Dec()
	if t.picker != nil {
		t.picker.CancelRequests(ps)
	}
	if ps.counted != nil {
		t.availability.RemoveBitField(ps.counted)
		ps.counted = nil
	}
	t.mode.HandlePeerDisconnected(conn)
}

// Adds the pieces the peer has that haven't been counted yet to the availability.
func (t *Torrent) countPeerPieces(ps *peerState) {
	n := t.numPieces()
	if ps.counted == nil || ps.counted.Len() != n {
		ps.counted = bitfield.New(n)
	}
	has := ps.BitField()
	if has == nil {
		return
	}
	has.Iterate(func(i int) bool {
		if i >= n {
			return false
		}
		if !ps.counted.Has(i) {
			ps.counted.Set(i, true)
			t.availability.Inc(i)
		}
		return true
	})
}

// Sends Interested or NotInterested when our interest in the peer changes.
func (t *Torrent) updateInterest(ps *peerState) {
	if t.picker == nil {
		return
	}
	interested := false
	if has := ps.BitField(); has != nil && has.Len() == t.numPieces() {
		interested = t.picker.IsInteresting(has)
	}
	if interested == ps.amInterested {
		return
	}
	ps.amInterested = interested
	if interested {
		ps.Enqueue(pp.Message{Type: pp.Interested})
	} else {
		ps.Enqueue(pp.Message{Type: pp.NotInterested})
	}
}

// HandleMessage applies a message received from a connected peer. A message that makes the
// scheduler panic is dropped, and the panic is returned as a *PeerMessageError.
func (t *Torrent) HandleMessage(conn PeerConn, msg pp.Message) error {
	return t.act(func() error {
		return t.handleMessage(conn, msg)
	})
}

func (t *Torrent) handleMessage(conn PeerConn, msg pp.Message) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = &PeerMessageError{
			Peer:  conn,
			Type:  msg.Type.String(),
			Panic: r,
		}
		t.logger.Levelf(log.Error, "%v", err)
	}()
	ps, ok := t.peerState(conn)
	if !ok || !t.haveInfo() {
		return nil
	}
	switch msg.Type {
	case pp.Have, pp.Bitfield, pp.HaveAll:
		t.countPeerPieces(ps)
		t.updateInterest(ps)
	case pp.Choke:
		t.picker.CancelRequests(ps)
	case pp.Piece:
		t.receiveBlock(ps, int(msg.Index), int(msg.Begin), msg.Piece)
	case pp.Request:
		if !t.mode.CanUpload() || !t.bitfield.Has(int(msg.Index)) {
			return nil
		}
		if len(ps.uploadQueue) >= maxUploadQueue {
			return nil
		}
		ps.uploadQueue = append(ps.uploadQueue, types.NewRequest(int(msg.Index), int(msg.Begin), int(msg.Length)))
	case pp.Cancel:
		r := types.NewRequest(int(msg.Index), int(msg.Begin), int(msg.Length))
		ps.uploadQueue = slices.DeleteFunc(ps.uploadQueue, func(q types.Request) bool {
			return q == r
		})
	}
	return nil
}

// Closes the connection and forgets it without waiting for the connection layer to report the
// disconnect.
func (t *Torrent) dropPeer(conn PeerConn) {
	conn.Close()
	t.peerDisconnected(conn)
}
