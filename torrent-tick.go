package torrent

import (
	"fmt"
	"strconv"
	"time"

	"github.com/anacrolix/log"

	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/peerforge/torrent/bitfield"
	requestStrategy "github.com/peerforge/torrent/request-strategy"
	"github.com/peerforge/torrent/storage"
)

// Bytes that may be requested or uploaded in one tick. Unlimited budgets are never exhausted.
type byteBudget struct {
	limited   bool
	remaining int64
	spent     int64
}

func (b *byteBudget) blocks() int {
	if !b.limited {
		return int(^uint(0) >> 1)
	}
	return int(max(b.remaining, 0) / requestStrategy.BlockSize)
}

func (b *byteBudget) allows(n int64) bool {
	return !b.limited || b.remaining >= n
}

func (b *byteBudget) spend(n int64) {
	b.spent += n
	if b.limited {
		b.remaining -= n
	}
}

func (t *Torrent) tick(counter int, download, upload *byteBudget) {
	t.mode.Tick(counter)
	now := t.now()
	if t.picker != nil && t.mode.CanRequest() && now.Sub(t.lastSweep) >= t.engine.config.TimeoutSweepInterval {
		t.lastSweep = now
		t.engine.metrics.requestTimeouts.Add(float64(t.picker.CancelTimedOutRequests()))
	}
	t.maintainPeers(now)
	if t.mode.CanRequest() {
		t.requestRound(download)
	}
	if t.mode.CanUpload() {
		t.uploadRound(upload)
	}
}

// The pieces peer has that may be picked: pieces already received in full are excluded while they're
// written and verified.
func (t *Torrent) requestable(ps *peerState) *bitfield.BitField {
	has := ps.BitField()
	if has == nil || has.Len() != t.numPieces() {
		return nil
	}
	has = has.Clone()
	has.AndNot(t.unverified)
	return has
}

func (t *Torrent) requestRound(budget *byteBudget) {
	n := t.numPieces()
	peers := t.peerStates()
	others := make([]requestStrategy.Peer, 0, len(peers))
	for _, ps := range peers {
		others = append(others, ps)
	}
	for _, ps := range peers {
		if ps.IsChoking() {
			continue
		}
		want := min(t.engine.config.MaxRequestsPerPeer-ps.AmRequestingPiecesCount(), budget.blocks())
		if want <= 0 {
			continue
		}
		has := t.requestable(ps)
		if has == nil {
			continue
		}
		reqs := t.picker.ContinueExistingRequest(ps, has, want, 0, n)
		if len(reqs) < want {
			reqs = append(reqs, t.picker.PickPiece(ps, has, others, want-len(reqs), 0, n)...)
		}
		for _, r := range reqs {
			ps.Enqueue(r.ToMsg(pp.Request))
			budget.spend(int64(r.Length))
		}
	}
}

// Reads queued peer requests off disk and sends the blocks. Reads run off the loop.
func (t *Torrent) uploadRound(budget *byteBudget) {
	for _, ps := range t.peerStates() {
		for len(ps.uploadQueue) != 0 {
			r := ps.uploadQueue[0]
			if !budget.allows(int64(r.Length)) {
				return
			}
			ps.uploadQueue = ps.uploadQueue[1:]
			if !t.bitfield.Has(int(r.Index)) {
				continue
			}
			budget.spend(int64(r.Length))
			disk := t.disk
			go func() {
				data, err := disk.ReadBlock(int(r.Index), int(r.Begin), int(r.Length))
				t.engine.loop.Queue(func() {
					if err != nil {
						t.logger.Levelf(log.Warning, "reading %v for %v: %v", r, ps, err)
						return
					}
					if cur, ok := t.peerState(ps.conn); !ok || cur != ps || !t.mode.CanUpload() {
						return
					}
					ps.Enqueue(pp.Message{
						Type:  pp.Piece,
						Index: r.Index,
						Begin: r.Begin,
						Piece: data,
					})
				})
			}()
		}
	}
}

func (t *Torrent) receiveBlock(ps *peerState, index, begin int, data []byte) {
	ok, piece := t.picker.ValidatePiece(ps, index, begin, len(data))
	if !ok {
		t.engine.metrics.blocksRejected.Inc()
		return
	}
	t.engine.metrics.blocksReceived.Inc()
	if piece.AllBlocksReceived() {
		t.unverified.Set(index, true)
	}
	t.writesInFlight[index]++
	disk := t.disk
	go func() {
		err := disk.WriteBlock(index, begin, data)
		t.engine.loop.Queue(func() {
			t.blockWritten(disk, index, err)
		})
	}()
}

func (t *Torrent) blockWritten(disk storage.Disk, index int, err error) {
	t.writesInFlight[index]--
	if t.writesInFlight[index] <= 0 {
		delete(t.writesInFlight, index)
	}
	if disk != t.disk {
		return
	}
	if err != nil {
		t.fail(fmt.Errorf("writing block of piece %d: %w", index, err))
		return
	}
	if t.unverified.Has(index) && t.writesInFlight[index] == 0 && t.mode.State() != Error {
		t.hashPiece(index)
	}
}

func (t *Torrent) hashPiece(index int) {
	t.hashesInFlight++
	disk := t.disk
	go func() {
		passed, err := disk.HashPiece(index)
		t.engine.loop.Queue(func() {
			t.pieceHashed(disk, index, passed, err)
		})
	}()
}

func (t *Torrent) pieceHashed(disk storage.Disk, index int, passed bool, err error) {
	t.hashesInFlight--
	if disk != t.disk {
		return
	}
	t.unverified.Set(index, false)
	if err != nil {
		t.fail(fmt.Errorf("hashing piece %d: %w", index, err))
		return
	}
	if t.mode.State() == Error {
		return
	}
	t.engine.metrics.piecesHashed.WithLabelValues(strconv.FormatBool(passed)).Inc()
	if passed {
		t.bitfield.Set(index, true)
		for _, ps := range t.peerStates() {
			ps.Enqueue(pp.Message{Type: pp.Have, Index: pp.Integer(index)})
			t.updateInterest(ps)
		}
	} else {
		t.hashFails++
		t.logger.Levelf(log.Debug, "piece %d failed hash check", index)
	}
	t.pieceHashedEvent(index, passed)
	if passed {
		if m, ok := t.mode.(*downloadMode); ok {
			m.checkComplete()
		}
	}
}

// Whether disk work started by the torrent is still outstanding.
func (t *Torrent) diskBusy() bool {
	return len(t.writesInFlight) != 0 || t.hashesInFlight != 0
}

// Connects to available peers and looks for more when short.
func (t *Torrent) maintainPeers(now time.Time) {
	if !t.mode.CanAcceptConnections() {
		return
	}
	cfg := t.engine.config
	if cfg.Dht != nil && !t.private && t.availablePeers.Len() < cfg.MaxConnections &&
		now.Sub(t.lastDhtAnnounce) >= cfg.DhtRefreshInterval {
		t.lastDhtAnnounce = now
		t.dhtAnnounce()
	}
	if cfg.DialPeer == nil {
		return
	}
	for t.peers.Len()+len(t.dialing) < cfg.MaxConnections {
		e := t.availablePeers.Front()
		if e == nil {
			break
		}
		pi := e.Value.(PeerInfo)
		t.availablePeers.Delete(e.Key)
		t.dialing[pi.Addr] = struct{}{}
		go cfg.DialPeer(t.ctx, t, pi)
	}
}
