package torrent

import (
	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
)

// The DHT operations torrents use to find peers.
type DhtServer interface {
	// Looks up peers for the infohash without announcing.
	GetPeers(hash [20]byte) (DhtAnnounce, error)
	Announce(hash [20]byte, port int, impliedPort bool) (DhtAnnounce, error)
}

type DhtAnnounce interface {
	Close()
	Peers() <-chan dht.PeersValues
}

// Adapts a dht.Server for EngineDiscoveryConfig.Dht.
func NewAnacrolixDhtServer(s *dht.Server) DhtServer {
	return anacrolixDhtServerWrapper{s}
}

type anacrolixDhtServerWrapper struct {
	*dht.Server
}

type anacrolixDhtAnnounceWrapper struct {
	*dht.Announce
}

func (me anacrolixDhtAnnounceWrapper) Peers() <-chan dht.PeersValues {
	return me.Announce.Peers
}

func (me anacrolixDhtServerWrapper) GetPeers(hash [20]byte) (DhtAnnounce, error) {
	ann, err := me.Server.AnnounceTraversal(hash)
	if err != nil {
		return nil, err
	}
	return anacrolixDhtAnnounceWrapper{ann}, nil
}

func (me anacrolixDhtServerWrapper) Announce(hash [20]byte, port int, impliedPort bool) (DhtAnnounce, error) {
	ann, err := me.Server.Announce(hash, port, impliedPort)
	if err != nil {
		return nil, err
	}
	return anacrolixDhtAnnounceWrapper{ann}, nil
}

var _ DhtServer = anacrolixDhtServerWrapper{}

// Runs the initial DHT lookup when the torrent starts. Later announces happen in maintainPeers.
func (t *Torrent) startDht() {
	dhtServer := t.engine.config.Dht
	if dhtServer == nil || t.private || t.dhtStarted {
		return
	}
	t.dhtStarted = true
	t.lastDhtAnnounce = t.now()
	ann, err := dhtServer.GetPeers(t.infoHash)
	if err != nil {
		t.logger.Levelf(log.Warning, "dht get peers: %v", err)
		return
	}
	go t.consumeDhtPeers(ann)
}

func (t *Torrent) dhtAnnounce() {
	ann, err := t.engine.config.Dht.Announce(t.infoHash, t.engine.config.ListenPort, true)
	if err != nil {
		t.logger.Levelf(log.Warning, "dht announce: %v", err)
		return
	}
	go t.consumeDhtPeers(ann)
}

// Feeds peers from a traversal to the main loop until it ends or the torrent goes away.
func (t *Torrent) consumeDhtPeers(ann DhtAnnounce) {
	defer ann.Close()
	for {
		select {
		case pv, ok := <-ann.Peers():
			if !ok {
				return
			}
			peers := peerInfos(nil).AppendFromDht(pv)
			if len(peers) == 0 {
				continue
			}
			t.engine.loop.Queue(func() {
				t.peersDiscovered(PeerSourceDht, peers)
			})
		case <-t.ctx.Done():
			return
		}
	}
}
